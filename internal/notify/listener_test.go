package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/sync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeTokens struct {
	current    string
	fresh      string
	refreshErr error
	refreshes  atomic.Int32
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) { return f.current, nil }

func (f *fakeTokens) Refresh(_ context.Context, rejected string) (string, error) {
	f.refreshes.Add(1)

	if f.refreshErr != nil {
		return "", f.refreshErr
	}

	return f.fresh, nil
}

// eventServer accepts connections bearing want and pushes events, then
// holds the connection open until the client goes away.
func eventServer(t *testing.T, want string, events []Event) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var accepted atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		accepted.Add(1)

		for _, ev := range events {
			if err := wsjson.Write(r.Context(), c, ev); err != nil {
				return
			}
		}

		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv, &accepted
}

type triggers struct {
	mu      gosync.Mutex
	reasons []string
	ch      chan struct{}
}

func newTriggers() *triggers {
	return &triggers{ch: make(chan struct{}, 16)}
}

func (tr *triggers) fire(reason string) {
	tr.mu.Lock()
	tr.reasons = append(tr.reasons, reason)
	tr.mu.Unlock()

	tr.ch <- struct{}{}
}

func (tr *triggers) wait(t *testing.T, n int) {
	t.Helper()

	for range n {
		select {
		case <-tr.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected %d triggers", n)
		}
	}
}

func eventsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	u, err := EventsURL(srv.URL)
	require.NoError(t, err)

	return u
}

func TestListener_TriggersOnOwnChanges(t *testing.T) {
	t.Parallel()

	srv, _ := eventServer(t, "tok", []Event{
		{Type: "heartbeat"},
		{Type: EventSettingsUpdated, OwnerID: "u2"},
		{Type: EventSettingsUpdated, OwnerID: "u1"},
	})

	tr := newTriggers()
	l := NewListener(ListenerConfig{
		URL:     eventsURL(t, srv),
		Tokens:  &fakeTokens{current: "tok"},
		UserID:  func() string { return "u1" },
		Trigger: tr.fire,
		Logger:  testLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	// One trigger on connect, one for u1's change.
	tr.wait(t, 2)

	select {
	case <-tr.ch:
		t.Fatal("events for other users or unknown types must not trigger")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{sync.TriggerConnectivity, sync.TriggerNotification}, tr.reasons)
}

func TestListener_RefreshesOnRejectedUpgrade(t *testing.T) {
	t.Parallel()

	srv, accepted := eventServer(t, "new", nil)
	tokens := &fakeTokens{current: "old", fresh: "new"}

	tr := newTriggers()
	l := NewListener(ListenerConfig{
		URL:     eventsURL(t, srv),
		Tokens:  tokens,
		Trigger: tr.fire,
		Logger:  testLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	tr.wait(t, 1)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), tokens.refreshes.Load())
	assert.Equal(t, int32(1), accepted.Load())
}

func TestListener_StopsWhenSessionExpired(t *testing.T) {
	t.Parallel()

	srv, _ := eventServer(t, "never", nil)
	tokens := &fakeTokens{
		current:    "old",
		refreshErr: fmt.Errorf("%w: refresh token revoked", api.ErrAuthExpired),
	}

	l := NewListener(ListenerConfig{URL: eventsURL(t, srv), Tokens: tokens, Logger: testLogger(t)})

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrAuthExpired)
}

func TestListener_ReconnectsWithBackoff(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		// The third connection delivers an event before closing; later
		// ones are dropped straight after the upgrade.
		if n == 3 {
			_ = wsjson.Write(r.Context(), c, Event{Type: "heartbeat"})
		}

		c.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(ListenerConfig{
		URL:          eventsURL(t, srv),
		MinReconnect: time.Second,
		MaxReconnect: 3 * time.Second,
		Logger:       testLogger(t),
	})

	var delays []time.Duration

	l.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 5 {
			cancel()
			return context.Canceled
		}

		return nil
	}

	require.NoError(t, l.Run(ctx))

	// Two failed dials grow the delay. The connection that carried an
	// event resets it; connections dropped on arrival keep growing it.
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, time.Second, 2 * time.Second, 3 * time.Second,
	}, delays)
}

func TestListener_LongLivedConnectionResetsBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		c.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(ListenerConfig{
		URL:          eventsURL(t, srv),
		MinReconnect: time.Second,
		MaxReconnect: time.Minute,
		StableAfter:  30 * time.Second,
		Logger:       testLogger(t),
	})

	// Every clock read is a minute later, so each connection looks like it
	// stayed up long enough.
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var delays []time.Duration

	l.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
			return context.Canceled
		}

		return nil
	}

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, delays)
}

func TestEventsURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://api.stridekit.app", "wss://api.stridekit.app/v1/events", false},
		{"http://127.0.0.1:8080/", "ws://127.0.0.1:8080/v1/events", false},
		{"ftp://example.com", "", true},
		{"https://", "", true},
	}

	for _, tt := range tests {
		got, err := EventsURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}

		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDispatch_IgnoresUnknownTypes(t *testing.T) {
	t.Parallel()

	fired := 0
	l := NewListener(ListenerConfig{Trigger: func(string) { fired++ }, Logger: testLogger(t)})

	l.dispatch(Event{Type: "ping"})
	l.dispatch(Event{Type: EventEntityUpdated})
	assert.Equal(t, 1, fired)

}
