// Package queue is the durable per-user FIFO of local mutations awaiting
// replay against the backend.
//
// Items live in the mutation_queue table of the shared local database. The
// lifecycle is:
//
//	Enqueue → Ready → Remove | MarkAttempted | Park | Discard
//
// Ordering is by autoincrement id within a user. Ready never skips an item:
// a head item that is parked or not yet due hides everything behind it, so
// a later mutation is never replayed before an earlier one. Writes go through
// the database's single connection, which serializes them; attempts are
// incremented in SQL so concurrent failures cannot lose an increment.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("queue: item not found")

// Action is the kind of change a mutation replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Entity types with a backend route.
const (
	EntitySettings = "settings"
	EntityWeight   = "weight_entry"
	EntityMeal     = "meal_entry"
	EntityWorkout  = "workout"
	EntitySteps    = "step_log"
)

// Item is one queued mutation.
type Item struct {
	ID            int64
	UserID        string
	EntityType    string
	EntityID      string
	Action        Action
	Payload       map[string]any
	CreatedAt     time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Parked        bool
}

// Stats summarizes a user's queue.
type Stats struct {
	Pending int       // all items, parked included
	Parked  int
	Due     int       // items Ready would return now
	Oldest  time.Time // created_at of the head item; zero when empty
	NextDue time.Time // when the head becomes due; zero when due now, empty or parked
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Queue manages the mutation_queue and sync_diagnostics tables.
type Queue struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Queue on the shared local database.
func New(db *sql.DB, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{db: db, logger: logger, nowFunc: time.Now}
}

const itemColumns = `id, user_id, entity_type, entity_id, action, payload,
	created_at, attempts, next_attempt_at, last_error, parked`

// Enqueue appends a mutation for item.UserID with zero attempts, due now.
// Returns the assigned id.
func (q *Queue) Enqueue(ctx context.Context, item Item) (int64, error) {
	return q.EnqueueTx(ctx, q.db, item)
}

// EnqueueTx is Enqueue within a caller-owned transaction, so a local write
// and its mutation commit together.
func (q *Queue) EnqueueTx(ctx context.Context, ex Execer, item Item) (int64, error) {
	if item.UserID == "" {
		return 0, errors.New("queue: enqueue: user id is required")
	}

	if item.EntityType == "" {
		return 0, errors.New("queue: enqueue: entity type is required")
	}

	if !item.Action.Valid() {
		return 0, fmt.Errorf("queue: enqueue: invalid action %q", item.Action)
	}

	payload, err := encodePayload(item.Payload)
	if err != nil {
		return 0, err
	}

	now := q.nowFunc().UnixNano()

	result, err := ex.ExecContext(ctx,
		`INSERT INTO mutation_queue
			(user_id, entity_type, entity_id, action, payload, created_at, attempts, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		item.UserID, item.EntityType, item.EntityID, string(item.Action), payload, now, now)
	if err != nil {
		return 0, fmt.Errorf("queue: inserting %s %s: %w", item.Action, item.EntityType, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: last insert id: %w", err)
	}

	q.logger.Debug("mutation enqueued",
		slog.Int64("id", id),
		slog.String("entity_type", item.EntityType),
		slog.String("action", string(item.Action)),
	)

	return id, nil
}

// Ready returns up to limit of userID's items in id order, stopping at the
// first item that is parked or due after now.
func (q *Queue) Ready(ctx context.Context, userID string, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	items, err := q.scan(ctx, q.db,
		`SELECT `+itemColumns+` FROM mutation_queue WHERE user_id = ? ORDER BY id LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: ready for %s: %w", userID, err)
	}

	cutoff := now.UnixNano()

	for i := range items {
		if items[i].Parked || items[i].NextAttemptAt.UnixNano() > cutoff {
			return items[:i], nil
		}
	}

	return items, nil
}

// List returns all of userID's items in id order.
func (q *Queue) List(ctx context.Context, userID string) ([]Item, error) {
	items, err := q.scan(ctx, q.db,
		`SELECT `+itemColumns+` FROM mutation_queue WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("queue: list for %s: %w", userID, err)
	}

	return items, nil
}

// Get returns a single item.
func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	items, err := q.scan(ctx, q.db,
		`SELECT `+itemColumns+` FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("queue: get %d: %w", id, err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("queue: get %d: %w", id, ErrNotFound)
	}

	return &items[0], nil
}

// MarkAttempted records a failed attempt: attempts is incremented, the item
// becomes due at next, and lastErr is kept for display. Returns the new
// attempt count.
func (q *Queue) MarkAttempted(ctx context.Context, id int64, next time.Time, lastErr string) (int, error) {
	var attempts int

	err := q.db.QueryRowContext(ctx,
		`UPDATE mutation_queue
			SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?
			WHERE id = ?
			RETURNING attempts`,
		next.UnixNano(), lastErr, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("queue: mark attempted %d: %w", id, ErrNotFound)
	}

	if err != nil {
		return 0, fmt.Errorf("queue: mark attempted %d: %w", id, err)
	}

	return attempts, nil
}

// Remove deletes an item after it was fully applied remotely.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: remove %d: %w", id, err)
	}

	return expectOne(result, "remove", id)
}

// Park takes an item out of rotation until Rearm. A parked item still
// blocks the items behind it.
func (q *Queue) Park(ctx context.Context, id int64, reason string) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE mutation_queue SET parked = 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("queue: park %d: %w", id, err)
	}

	if err := expectOne(result, "park", id); err != nil {
		return err
	}

	q.logger.Warn("mutation parked", slog.Int64("id", id), slog.String("reason", reason))

	return nil
}

// Rearm makes every parked or backed-off item of userID due now with a
// fresh attempt budget. Returns the number of items re-armed.
func (q *Queue) Rearm(ctx context.Context, userID string) (int64, error) {
	now := q.nowFunc().UnixNano()

	result, err := q.db.ExecContext(ctx,
		`UPDATE mutation_queue
			SET parked = 0, attempts = 0, next_attempt_at = ?, last_error = NULL
			WHERE user_id = ? AND (parked = 1 OR next_attempt_at > ?)`,
		now, userID, now)
	if err != nil {
		return 0, fmt.Errorf("queue: rearm %s: %w", userID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: rearm %s rows affected: %w", userID, err)
	}

	if n > 0 {
		q.logger.Info("mutations re-armed", slog.String("user_id", userID), slog.Int64("count", n))
	}

	return n, nil
}

// ClearUserTx deletes all of userID's items and diagnostics within tx.
// Used by logout so session, credentials and queue go in one commit.
func (q *Queue) ClearUserTx(ctx context.Context, ex Execer, userID string) (int64, error) {
	result, err := ex.ExecContext(ctx, `DELETE FROM mutation_queue WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("queue: clearing %s: %w", userID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: clearing %s rows affected: %w", userID, err)
	}

	if _, err := ex.ExecContext(ctx, `DELETE FROM sync_diagnostics WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("queue: clearing diagnostics for %s: %w", userID, err)
	}

	return n, nil
}

// PendingFields returns the union of payload keys of userID's queued
// mutations for the given entity with id greater than afterID.
func (q *Queue) PendingFields(ctx context.Context, userID, entityType, entityID string, afterID int64) (map[string]bool, error) {
	return q.PendingFieldsTx(ctx, q.db, userID, entityType, entityID, afterID)
}

// PendingFieldsTx is PendingFields within a caller-owned transaction.
func (q *Queue) PendingFieldsTx(
	ctx context.Context, qr Querier, userID, entityType, entityID string, afterID int64,
) (map[string]bool, error) {
	rows, err := qr.QueryContext(ctx,
		`SELECT payload FROM mutation_queue
			WHERE user_id = ? AND entity_type = ? AND entity_id = ? AND id > ?
			ORDER BY id`,
		userID, entityType, entityID, afterID)
	if err != nil {
		return nil, fmt.Errorf("queue: pending fields: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]bool)

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("queue: scanning pending payload: %w", err)
		}

		payload, err := decodePayload(raw)
		if err != nil {
			return nil, err
		}

		for k := range payload {
			fields[k] = true
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterating pending payloads: %w", err)
	}

	return fields, nil
}

// Stats summarizes userID's queue as of now.
func (q *Queue) Stats(ctx context.Context, userID string, now time.Time) (Stats, error) {
	items, err := q.List(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	var s Stats

	s.Pending = len(items)

	if len(items) == 0 {
		return s, nil
	}

	s.Oldest = items[0].CreatedAt

	blocked := false

	for i := range items {
		if items[i].Parked {
			s.Parked++
		}

		if blocked {
			continue
		}

		if items[i].Parked || items[i].NextAttemptAt.After(now) {
			blocked = true
			continue
		}

		s.Due++
	}

	if head := items[0]; !head.Parked && head.NextAttemptAt.After(now) {
		s.NextDue = head.NextAttemptAt
	}

	return s, nil
}

// NextDue reports when userID's head item becomes due. ok is false when the
// queue is empty or the head is parked, so no timer would make progress.
func (q *Queue) NextDue(ctx context.Context, userID string) (time.Time, bool, error) {
	items, err := q.scan(ctx, q.db,
		`SELECT `+itemColumns+` FROM mutation_queue WHERE user_id = ? ORDER BY id LIMIT 1`, userID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("queue: next due for %s: %w", userID, err)
	}

	if len(items) == 0 || items[0].Parked {
		return time.Time{}, false, nil
	}

	return items[0].NextAttemptAt, true, nil
}

func (q *Queue) scan(ctx context.Context, qr Querier, query string, args ...any) ([]Item, error) {
	rows, err := qr.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item

	for rows.Next() {
		var (
			it         Item
			action     string
			payload    string
			createdAt  int64
			nextAt     int64
			lastErr    sql.NullString
			parkedFlag int
		)

		if err := rows.Scan(&it.ID, &it.UserID, &it.EntityType, &it.EntityID, &action, &payload,
			&createdAt, &it.Attempts, &nextAt, &lastErr, &parkedFlag); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}

		decoded, err := decodePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}

		it.Action = Action(action)
		it.Payload = decoded
		it.CreatedAt = time.Unix(0, createdAt)
		it.NextAttemptAt = time.Unix(0, nextAt)
		it.LastError = lastErr.String
		it.Parked = parkedFlag != 0

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating items: %w", err)
	}

	return items, nil
}

func encodePayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}

	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("queue: encoding payload: %w", err)
	}

	return string(b), nil
}

func decodePayload(raw string) (map[string]any, error) {
	p := make(map[string]any)

	if raw == "" {
		return p, nil
	}

	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("queue: decoding payload: %w", err)
	}

	return p, nil
}

func expectOne(result sql.Result, op string, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: %s %d rows affected: %w", op, id, err)
	}

	if rows == 0 {
		return fmt.Errorf("queue: %s %d: %w", op, id, ErrNotFound)
	}

	return nil
}
