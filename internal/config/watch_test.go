package config

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchLoop_DebouncesBursts(t *testing.T) {
	events := make(chan fsnotify.Event, 8)
	errs := make(chan error)

	var calls atomic.Int32
	fired := make(chan struct{}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- watchLoop(ctx, events, errs, "/etc/fitsync/config.toml", testLogger(t), func() {
			calls.Add(1)
			fired <- struct{}{}
		})
	}()

	events <- fsnotify.Event{Name: "/etc/fitsync/config.toml", Op: fsnotify.Write}
	events <- fsnotify.Event{Name: "/etc/fitsync/config.toml", Op: fsnotify.Write}
	events <- fsnotify.Event{Name: "/etc/fitsync/.config-123.tmp", Op: fsnotify.Create}
	events <- fsnotify.Event{Name: "/etc/fitsync/config.toml", Op: fsnotify.Chmod}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("onChange not called")
	}

	time.Sleep(2 * watchDebounce)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatchLoop_StopsOnClosedChannels(t *testing.T) {
	events := make(chan fsnotify.Event)
	close(events)

	err := watchLoop(context.Background(), events, make(chan error), "/x", testLogger(t), func() {})
	assert.NoError(t, err)
}

func TestWatchLoop_ErrorBackoffHonorsCancel(t *testing.T) {
	errs := make(chan error, 1)
	errs <- errors.New("queue overflow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := watchLoop(ctx, make(chan fsnotify.Event), errs, "/x", testLogger(t), func() {})
	assert.NoError(t, err)
}

func TestWatch_RealFile(t *testing.T) {
	path := writeTestConfig(t, "batch_size = 10\n")

	fired := make(chan struct{}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = Watch(ctx, path, testLogger(t), func() { fired <- struct{}{} })
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, SetKey(path, "batch_size", "20"))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification for atomic rewrite")
	}
}
