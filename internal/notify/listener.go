// Package notify listens on the backend's websocket event stream and turns
// change notifications into sync triggers. Notifications are hints: a
// missed one only delays convergence until the next poll.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/sync"
)

// EventsPath is the websocket endpoint relative to the API base URL.
const EventsPath = "/v1/events"

// Event types pushed by the backend.
const (
	EventSettingsUpdated = "settings.updated"
	EventEntityUpdated   = "entity.updated"
)

// Reconnect backoff bounds.
const (
	DefaultMinReconnect = time.Second
	DefaultMaxReconnect = 5 * time.Minute
)

// DefaultStableAfter is how long a connection must stay up, absent any
// event, before its loss resets the reconnect backoff.
const DefaultStableAfter = 30 * time.Second

// readLimit bounds a single event frame.
const readLimit = 64 * 1024

// Event is one server push message.
type Event struct {
	Type    string `json:"type"`
	OwnerID string `json:"owner_id"`
}

// TriggerFunc requests a sync cycle.
type TriggerFunc func(reason string)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	URL          string          // ws:// or wss:// events URL
	Tokens       api.TokenSource // bearer for the upgrade request
	UserID       func() string   // current user; events for others are ignored
	Trigger      TriggerFunc
	HTTPClient   *http.Client
	MinReconnect time.Duration
	MaxReconnect time.Duration
	StableAfter  time.Duration
	Logger       *slog.Logger
}

// Listener maintains one websocket connection, reconnecting with capped
// exponential backoff until its context is canceled.
type Listener struct {
	cfg    ListenerConfig
	logger *slog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// NewListener creates a Listener.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = DefaultMinReconnect
	}

	if cfg.MaxReconnect < cfg.MinReconnect {
		cfg.MaxReconnect = DefaultMaxReconnect
	}

	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}

	return &Listener{cfg: cfg, logger: cfg.Logger, sleep: sleepCtx, nowFunc: time.Now}
}

// Run connects and dispatches events until ctx is canceled. It returns nil
// on cancellation and ErrAuthExpired-wrapped errors when the session is
// gone, since reconnecting cannot help then.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.cfg.MinReconnect

	for {
		stable, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, api.ErrAuthExpired) {
			return fmt.Errorf("notify: %w", err)
		}

		if stable {
			delay = l.cfg.MinReconnect
		}

		l.logger.Info("event stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)

		if err := l.sleep(ctx, delay); err != nil {
			return nil
		}

		delay = min(delay*2, l.cfg.MaxReconnect)
	}
}

// session runs one connection. stable reports whether the connection
// delivered an event or outlived StableAfter; only a stable connection
// resets the reconnect backoff.
func (l *Listener) session(ctx context.Context) (stable bool, err error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	conn.SetReadLimit(readLimit)

	connectedAt := l.nowFunc()
	received := 0

	defer func() {
		stable = received > 0 || l.nowFunc().Sub(connectedAt) >= l.cfg.StableAfter
	}()

	l.logger.Info("event stream connected", slog.String("url", l.cfg.URL))

	// A fresh connection may have missed events while offline.
	l.trigger(sync.TriggerConnectivity)

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return false, errors.New("notify: server closed the stream")
			}

			return false, fmt.Errorf("notify: reading event: %w", err)
		}

		received++

		l.dispatch(ev)
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	tok, err := l.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, l.cfg.URL, l.dialOptions(tok))
	if err == nil {
		return conn, nil
	}

	if resp == nil || resp.StatusCode != http.StatusUnauthorized || l.cfg.Tokens == nil {
		return nil, fmt.Errorf("notify: dialing %s: %w", l.cfg.URL, err)
	}

	l.logger.Info("event stream rejected token, refreshing")

	fresh, refreshErr := l.cfg.Tokens.Refresh(ctx, tok)
	if refreshErr != nil {
		return nil, fmt.Errorf("notify: refreshing token: %w", refreshErr)
	}

	conn, _, err = websocket.Dial(ctx, l.cfg.URL, l.dialOptions(fresh))
	if err != nil {
		return nil, fmt.Errorf("notify: dialing %s: %w", l.cfg.URL, err)
	}

	return conn, nil
}

func (l *Listener) accessToken(ctx context.Context) (string, error) {
	if l.cfg.Tokens == nil {
		return "", nil
	}

	tok, err := l.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("notify: obtaining token: %w", err)
	}

	return tok, nil
}

func (l *Listener) dialOptions(tok string) *websocket.DialOptions {
	h := http.Header{}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}

	return &websocket.DialOptions{HTTPClient: l.cfg.HTTPClient, HTTPHeader: h}
}

func (l *Listener) dispatch(ev Event) {
	switch ev.Type {
	case EventSettingsUpdated, EventEntityUpdated:
	default:
		l.logger.Debug("ignoring event", slog.String("type", ev.Type))
		return
	}

	if l.cfg.UserID != nil && ev.OwnerID != "" && ev.OwnerID != l.cfg.UserID() {
		l.logger.Debug("ignoring event for another user", slog.String("type", ev.Type))
		return
	}

	l.logger.Debug("change notification", slog.String("type", ev.Type))
	l.trigger(sync.TriggerNotification)
}

func (l *Listener) trigger(reason string) {
	if l.cfg.Trigger != nil {
		l.cfg.Trigger(reason)
	}
}

// EventsURL derives the websocket events URL from an http(s) API base URL.
func EventsURL(apiBase string) (string, error) {
	base := strings.TrimRight(apiBase, "/")

	if rest, ok := strings.CutPrefix(base, "https://"); ok && rest != "" {
		return "wss://" + rest + EventsPath, nil
	}

	if rest, ok := strings.CutPrefix(base, "http://"); ok && rest != "" {
		return "ws://" + rest + EventsPath, nil
	}

	return "", fmt.Errorf("notify: cannot derive events URL from %q", apiBase)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
