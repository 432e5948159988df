// Package auth coordinates access-token refresh. At most one refresh call is
// in flight per process; concurrent callers wait on it and share its result.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/credstore"
)

// ErrNoRefreshToken means no refresh token is stored. It is always reported
// wrapped together with api.ErrAuthExpired.
var ErrNoRefreshToken = errors.New("auth: no refresh token")

// DefaultRefreshTimeout bounds a single refresh call. The flight runs
// detached from its callers, so it needs its own deadline.
const DefaultRefreshTimeout = 30 * time.Second

// flightKey is the single singleflight key: there is one token pair per process.
const flightKey = "refresh"

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, deviceID string) (*oauth2.Token, error)
}

// CredentialStore is the subset of credstore.Store the coordinator uses.
type CredentialStore interface {
	Get(ctx context.Context) (*credstore.Credentials, error)
	Set(ctx context.Context, c credstore.Credentials) error
}

// State is the coordinator's refresh state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}

	return "idle"
}

// Outcome records how the most recent refresh ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "none"
	}
}

// Status is a snapshot of the coordinator's state machine.
type Status struct {
	State       State
	LastOutcome Outcome
	LastError   string
	LastAt      time.Time
	Refreshes   int // network refresh calls made by this process
}

// Coordinator implements api.TokenSource with a single-flight refresh.
type Coordinator struct {
	store     CredentialStore
	refresher Refresher
	deviceID  string
	logger    *slog.Logger

	group   singleflight.Group
	timeout time.Duration
	nowFunc func() time.Time

	mu        sync.Mutex
	status    Status
	onFailure func(ctx context.Context, err error)
}

// NewCoordinator creates a coordinator that refreshes through refresher and
// persists the result in store.
func NewCoordinator(store CredentialStore, refresher Refresher, deviceID string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		store:     store,
		refresher: refresher,
		deviceID:  deviceID,
		logger:    logger,
		timeout:   DefaultRefreshTimeout,
		nowFunc:   time.Now,
	}
}

// OnFailure registers a hook called when the refresh token is rejected.
// The hook runs inside the flight, before any waiter is released.
func (c *Coordinator) OnFailure(fn func(ctx context.Context, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onFailure = fn
}

// SetTimeout overrides the per-refresh deadline.
func (c *Coordinator) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// State returns a snapshot of the refresh state machine.
func (c *Coordinator) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// AccessToken returns the stored access token, or "" when signed out.
func (c *Coordinator) AccessToken(ctx context.Context) (string, error) {
	creds, err := c.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: reading credentials: %w", err)
	}

	if creds == nil {
		return "", nil
	}

	return creds.AccessToken, nil
}

// Refresh obtains a new access token after rejected was refused by the
// server. If the stored token already differs from rejected, another caller
// has refreshed in the meantime and the stored token is returned without a
// network call. Otherwise the caller joins the in-flight refresh, starting
// one if none is running. ctx only bounds how long this caller waits.
func (c *Coordinator) Refresh(ctx context.Context, rejected string) (string, error) {
	if tok, ok := c.replaced(ctx, rejected); ok {
		return tok, nil
	}

	flightCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(flightCtx, rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		tok, ok := res.Val.(string)
		if !ok {
			return "", fmt.Errorf("auth: unexpected flight result %T", res.Val)
		}

		if res.Shared {
			c.logger.Debug("joined in-flight token refresh")
		}

		return tok, nil
	case <-ctx.Done():
		return "", fmt.Errorf("auth: waiting for refresh: %w", ctx.Err())
	}
}

// replaced reports the stored access token when it is present and differs
// from rejected.
func (c *Coordinator) replaced(ctx context.Context, rejected string) (string, bool) {
	creds, err := c.store.Get(ctx)
	if err != nil || creds == nil || creds.AccessToken == "" {
		return "", false
	}

	if creds.AccessToken == rejected {
		return "", false
	}

	return creds.AccessToken, true
}

// refresh is the body of a flight. Exactly one runs at a time.
func (c *Coordinator) refresh(ctx context.Context, rejected string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.setState(StateRefreshing)

	creds, err := c.store.Get(ctx)
	if err != nil {
		return "", c.fail(ctx, fmt.Errorf("auth: reading credentials: %w", err))
	}

	if creds == nil || creds.RefreshToken == "" {
		return "", c.fail(ctx, fmt.Errorf("%w: %w", api.ErrAuthExpired, ErrNoRefreshToken))
	}

	// A flight that finished between this caller's check and DoChan has
	// already stored a newer pair.
	if creds.AccessToken != "" && creds.AccessToken != rejected {
		c.succeed(false)
		return creds.AccessToken, nil
	}

	c.logger.Info("refreshing access token", slog.String("device_id", c.deviceID))

	tok, err := c.refresher.Refresh(ctx, creds.RefreshToken, c.deviceID)
	c.countRefresh()

	if err != nil {
		return "", c.fail(ctx, fmt.Errorf("auth: refresh: %w", err))
	}

	next := credstore.FromToken(tok)
	if err := c.store.Set(ctx, next); err != nil {
		return "", c.fail(ctx, fmt.Errorf("auth: storing refreshed credentials: %w", err))
	}

	c.succeed(true)

	c.logger.Info("access token refreshed",
		slog.Time("expiry", next.Expiry),
	)

	return next.AccessToken, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.State = s
}

func (c *Coordinator) countRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Refreshes++
}

func (c *Coordinator) succeed(network bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.State = StateIdle
	c.status.LastOutcome = OutcomeSuccess
	c.status.LastError = ""

	if network {
		c.status.LastAt = c.nowFunc()
	}
}

// fail records a failed flight and, when the session is unrecoverable,
// fires the failure hook. It returns err for convenience.
func (c *Coordinator) fail(ctx context.Context, err error) error {
	c.mu.Lock()
	c.status.State = StateIdle
	c.status.LastOutcome = OutcomeFailure
	c.status.LastError = err.Error()
	c.status.LastAt = c.nowFunc()
	hook := c.onFailure
	c.mu.Unlock()

	if !errors.Is(err, api.ErrAuthExpired) {
		c.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return err
	}

	c.logger.Warn("refresh token rejected, session expired", slog.String("error", err.Error()))

	if hook != nil {
		hook(ctx, err)
	}

	return err
}
