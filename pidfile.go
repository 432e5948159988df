package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePermissions: owner rw, group/other r.
const pidFilePermissions = 0o644

// pidDirPermissions matches the data directory created by localdb.
const pidDirPermissions = 0o700

// errNoWatcher is returned when no `sync --watch` process is running.
var errNoWatcher = errors.New("no running sync --watch found")

// writePIDFile writes the current process ID to path and holds an exclusive
// flock on it for the life of the process. The returned cleanup removes the
// file and releases the lock. Failure to lock means another watcher owns
// this data directory.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("PID file path is empty: cannot determine data directory")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another sync --watch is already running (could not lock %s)", path)
	}

	if err := writePID(f); err != nil {
		f.Close()

		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// readPIDFile reads the PID from the given file path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// watcherProcess returns the running watcher for the PID file at pidPath.
// A PID file whose process is gone is removed and reported as errNoWatcher.
func watcherProcess(pidPath string) (*os.Process, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errNoWatcher
		}

		return nil, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 probes liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return nil, fmt.Errorf("%w (PID %d is gone, stale PID file removed)", errNoWatcher, pid)
	}

	return proc, nil
}

// signalWatcher delivers sig to the running watcher.
func signalWatcher(pidPath string, sig syscall.Signal) (int, error) {
	proc, err := watcherProcess(pidPath)
	if err != nil {
		return 0, err
	}

	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("sending %s to watcher (PID %d): %w", sig, proc.Pid, err)
	}

	return proc.Pid, nil
}
