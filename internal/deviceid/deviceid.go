// Package deviceid persists the identifier this installation presents to the
// backend on login and token refresh. The identifier is generated once and
// survives logout, so the server can tie refresh tokens to a device.
package deviceid

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FilePerms restricts the device file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// File is the on-disk format of the device file.
type File struct {
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Load reads the device file. Returns (nil, nil) if it does not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("deviceid: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("deviceid: decoding %s: %w", path, err)
	}

	if _, err := uuid.Parse(f.DeviceID); err != nil {
		return nil, fmt.Errorf("deviceid: %s holds an invalid device id: %w", path, err)
	}

	return &f, nil
}

// LoadOrCreate returns the stored device id, generating and saving a new
// one on first use.
func LoadOrCreate(path string) (string, error) {
	f, err := Load(path)
	if err != nil {
		return "", err
	}

	if f != nil {
		return f.DeviceID, nil
	}

	f = &File{DeviceID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	if err := Save(path, f); err != nil {
		return "", err
	}

	return f.DeviceID, nil
}

// Save writes the device file atomically (write-to-temp + rename) with 0600
// permissions.
func Save(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("deviceid: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("deviceid: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".device-*.tmp")
	if err != nil {
		return fmt.Errorf("deviceid: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("deviceid: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("deviceid: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("deviceid: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("deviceid: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("deviceid: renaming: %w", err)
	}

	success = true

	return nil
}
