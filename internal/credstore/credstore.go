// Package credstore persists the access/refresh token pair and the session
// identity. It is a pure key-value persistence boundary: no retry logic, no
// network calls. Rows live in the shared local database so that logout can
// clear credentials, session, and the mutation queue in one transaction.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/stridekit/fitsync/internal/localdb"
)

// ErrNoSession is returned by operations that require an active session.
var ErrNoSession = errors.New("credstore: no active session")

// Credentials is the opaque token pair issued by the backend. Only presence
// and the refresh protocol matter to the sync core; Expiry is informational.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero when unknown
}

// FromToken converts an oauth2 token into Credentials. When the token carries
// no expiry, the access token's exp claim is used if it is a JWT.
func FromToken(tok *oauth2.Token) Credentials {
	c := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	if c.Expiry.IsZero() {
		c.Expiry = AccessTokenExpiry(tok.AccessToken)
	}

	return c
}

// AccessTokenExpiry reads the exp claim from a JWT access token without
// verifying its signature. The client cannot verify server-issued tokens and
// only uses the value to display and log expiry. Returns the zero time for
// opaque tokens.
func AccessTokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}

	return exp.Time
}

// Session identifies the authenticated user on this device.
type Session struct {
	UserID    string
	DeviceID  string
	CreatedAt time.Time
}

// Store reads and writes credentials and the session row. Writes are
// serialized; reads may run concurrently.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Store over the shared local database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{db: db, logger: logger, nowFunc: time.Now}
}

// Get returns the stored credentials, or (nil, nil) when none are stored.
func (s *Store) Get(ctx context.Context) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c      Credentials
		expiry sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expiry FROM credentials WHERE id = 1`,
	).Scan(&c.AccessToken, &c.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not stored"
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: reading credentials: %w", err)
	}

	if expiry.Valid {
		c.Expiry = time.Unix(0, expiry.Int64)
	}

	return &c, nil
}

// Set replaces both tokens in a single row write, so no reader ever observes
// a new access token paired with an old refresh token.
func (s *Store) Set(ctx context.Context, c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upsert(ctx, s.db, c)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, ex execer, c Credentials) error {
	if c.AccessToken == "" || c.RefreshToken == "" {
		return fmt.Errorf("credstore: refusing to store incomplete credentials")
	}

	var expiry int64
	if !c.Expiry.IsZero() {
		expiry = c.Expiry.UnixNano()
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO credentials (id, access_token, refresh_token, expiry, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  access_token = excluded.access_token,
		  refresh_token = excluded.refresh_token,
		  expiry = excluded.expiry,
		  updated_at = excluded.updated_at`,
		c.AccessToken, c.RefreshToken, localdb.NullableNanos(expiry), s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("credstore: writing credentials: %w", err)
	}

	s.logger.Debug("credentials stored", slog.Time("expiry", c.Expiry))

	return nil
}

// Clear removes stored credentials. The session row is left in place; use
// EndSessionTx to tear down both.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ClearTx(ctx, s.db)
}

// ClearTx removes stored credentials using the caller's transaction (or
// database handle). The caller is responsible for holding whatever ordering
// it needs; ClearTx does not take the store lock so it can run inside a
// transaction that also clears the mutation queue.
func (s *Store) ClearTx(ctx context.Context, ex execer) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("credstore: clearing credentials: %w", err)
	}

	return nil
}

// Session returns the active session, or (nil, nil) when unauthenticated.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sess    Session
		created int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, created_at FROM session WHERE id = 1`,
	).Scan(&sess.UserID, &sess.DeviceID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "unauthenticated"
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: reading session: %w", err)
	}

	sess.CreatedAt = time.Unix(0, created)

	return &sess, nil
}

// StartSession records a new session and its credentials atomically,
// replacing any previous session row.
func (s *Store) StartSession(ctx context.Context, sess Session, c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.UserID == "" {
		return fmt.Errorf("credstore: session requires a user id")
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.nowFunc()
	}

	return localdb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session (id, user_id, device_id, created_at) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			  user_id = excluded.user_id,
			  device_id = excluded.device_id,
			  created_at = excluded.created_at`,
			sess.UserID, sess.DeviceID, sess.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("credstore: writing session: %w", err)
		}

		return s.upsert(ctx, tx, c)
	})
}

// EndSessionTx deletes the session row and the credentials inside the
// caller's transaction. Like ClearTx it takes no lock: the transaction
// already holds the database's only connection.
func (s *Store) EndSessionTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session`); err != nil {
		return fmt.Errorf("credstore: clearing session: %w", err)
	}

	return s.ClearTx(ctx, tx)
}
