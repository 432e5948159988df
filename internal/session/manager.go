// Package session manages sign-in and sign-out. Logout clears the session,
// the credentials, and the user's mutation queue in one transaction.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/credstore"
	"github.com/stridekit/fitsync/internal/localdb"
	"github.com/stridekit/fitsync/internal/queue"
)

// Authenticator performs password login and registration.
type Authenticator interface {
	Login(ctx context.Context, req api.LoginRequest) (*api.AuthResult, error)
	Register(ctx context.Context, req api.LoginRequest) (*api.AuthResult, error)
}

// QueueClearer removes a user's queued mutations inside a transaction.
type QueueClearer interface {
	ClearUserTx(ctx context.Context, ex queue.Execer, userID string) (int64, error)
}

// LogoutFunc is notified after a session ends.
type LogoutFunc func(userID string, forced bool)

// Manager owns the session lifecycle.
type Manager struct {
	db       *sql.DB
	creds    *credstore.Store
	queue    QueueClearer
	auth     Authenticator
	deviceID string
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu       sync.Mutex
	onLogout []LogoutFunc
}

// NewManager creates a Manager.
func NewManager(
	db *sql.DB, creds *credstore.Store, q QueueClearer, auth Authenticator, deviceID string, logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		db:       db,
		creds:    creds,
		queue:    q,
		auth:     auth,
		deviceID: deviceID,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// OnLogout registers fn to run after every logout.
func (m *Manager) OnLogout(fn LogoutFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onLogout = append(m.onLogout, fn)
}

// Current returns the active session or credstore.ErrNoSession.
func (m *Manager) Current(ctx context.Context) (*credstore.Session, error) {
	sess, err := m.creds.Session(ctx)
	if err != nil {
		return nil, err
	}

	if sess == nil {
		return nil, credstore.ErrNoSession
	}

	return sess, nil
}

// Login signs in with email and password. A different user already signed
// in on this device is logged out first, discarding their unsynced queue.
func (m *Manager) Login(ctx context.Context, email, password string) (*credstore.Session, error) {
	return m.begin(ctx, "login", email, password, m.auth.Login)
}

// Register creates an account and signs in to it.
func (m *Manager) Register(ctx context.Context, email, password string) (*credstore.Session, error) {
	return m.begin(ctx, "register", email, password, m.auth.Register)
}

func (m *Manager) begin(
	ctx context.Context, op, email, password string,
	call func(context.Context, api.LoginRequest) (*api.AuthResult, error),
) (*credstore.Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, errors.New("session: email and password are required")
	}

	res, err := call(ctx, api.LoginRequest{Email: email, Password: password, DeviceID: m.deviceID})
	if err != nil {
		return nil, fmt.Errorf("session: %s: %w", op, err)
	}

	prev, err := m.creds.Session(ctx)
	if err != nil {
		return nil, err
	}

	if prev != nil && prev.UserID != res.UserID {
		m.logger.Info("switching user, ending previous session",
			slog.String("previous_user_id", prev.UserID),
			slog.String("user_id", res.UserID),
		)

		if err := m.end(ctx, prev.UserID, false); err != nil {
			return nil, err
		}
	}

	sess := credstore.Session{
		UserID:    res.UserID,
		DeviceID:  m.deviceID,
		CreatedAt: m.nowFunc(),
	}

	if err := m.creds.StartSession(ctx, sess, credstore.FromToken(res.Token)); err != nil {
		return nil, err
	}

	m.logger.Info("signed in",
		slog.String("op", op),
		slog.String("user_id", sess.UserID),
	)

	return &sess, nil
}

// Logout ends the active session. Queued mutations that were not synced
// are discarded. Logging out while signed out is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	sess, err := m.creds.Session(ctx)
	if err != nil {
		return err
	}

	if sess == nil {
		return nil
	}

	return m.end(ctx, sess.UserID, false)
}

// ForceLogout ends the session after an unrecoverable auth failure. Its
// signature matches the refresh coordinator's failure hook.
func (m *Manager) ForceLogout(ctx context.Context, cause error) {
	sess, err := m.creds.Session(ctx)
	if err != nil {
		m.logger.Error("forced logout: reading session", slog.String("error", err.Error()))
		return
	}

	if sess == nil {
		return
	}

	m.logger.Warn("session expired, signing out",
		slog.String("user_id", sess.UserID),
		slog.String("cause", errString(cause)),
	)

	if err := m.end(ctx, sess.UserID, true); err != nil {
		m.logger.Error("forced logout failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) end(ctx context.Context, userID string, forced bool) error {
	var cleared int64

	err := localdb.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		n, err := m.queue.ClearUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		cleared = n

		return m.creds.EndSessionTx(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}

	m.logger.Info("signed out",
		slog.String("user_id", userID),
		slog.Bool("forced", forced),
		slog.Int64("discarded_mutations", cleared),
	)

	m.mu.Lock()
	hooks := append([]LogoutFunc(nil), m.onLogout...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(userID, forced)
	}

	return nil
}

// NormalizeEmail trims, NFC-normalizes and lowercases an email address so
// the same account typed on different keyboards maps to one login.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
