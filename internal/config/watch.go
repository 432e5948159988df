package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch timing.
const (
	watchDebounce       = 250 * time.Millisecond
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = time.Minute
)

// Watch calls onChange after the config file at path is written, created,
// renamed into place, or removed, until ctx is canceled. The parent
// directory is watched so editors that save via rename are seen. Bursts of
// events within the debounce window produce a single call.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	return watchLoop(ctx, watcher.Events, watcher.Errors, filepath.Clean(path), logger, onChange)
}

func watchLoop(
	ctx context.Context, events <-chan fsnotify.Event, errs <-chan error,
	path string, logger *slog.Logger, onChange func(),
) error {
	var (
		debounce <-chan time.Time
		timer    *time.Timer
	)

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path || !relevant(ev) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}

			debounce = timer.C
			errBackoff = watchErrInitBackoff

		case <-debounce:
			debounce = nil

			logger.Info("config file changed", slog.String("path", path))
			onChange()

		case watchErr, ok := <-errs:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			t := time.NewTimer(errBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}

			errBackoff = min(errBackoff*2, watchErrMaxBackoff)
		}
	}
}

// relevant ignores chmod-only events.
func relevant(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}
