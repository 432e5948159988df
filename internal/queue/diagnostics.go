package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DiagnosticKind says why an item left the queue without being applied.
type DiagnosticKind string

const (
	// KindRejected: the server refused the mutation with a non-auth 4xx.
	KindRejected DiagnosticKind = "rejected"
	// KindExhausted: the item ran out of attempts under the drop policy.
	KindExhausted DiagnosticKind = "exhausted"
)

// Diagnostic is the record kept for a discarded mutation.
type Diagnostic struct {
	ID         string
	UserID     string
	ItemID     int64
	EntityType string
	EntityID   string
	Action     Action
	Payload    map[string]any
	Kind       DiagnosticKind
	Reason     string
	Attempts   int
	RecordedAt time.Time
}

// Discard removes item from the queue and records a diagnostic for it in
// the same transaction.
func (q *Queue) Discard(ctx context.Context, item Item, kind DiagnosticKind, reason string) (*Diagnostic, error) {
	payload, err := encodePayload(item.Payload)
	if err != nil {
		return nil, err
	}

	d := &Diagnostic{
		ID:         uuid.NewString(),
		UserID:     item.UserID,
		ItemID:     item.ID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Action:     item.Action,
		Payload:    item.Payload,
		Kind:       kind,
		Reason:     reason,
		Attempts:   item.Attempts,
		RecordedAt: q.nowFunc(),
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: discard %d begin: %w", item.ID, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, item.ID)
	if err != nil {
		return nil, fmt.Errorf("queue: discard %d: %w", item.ID, err)
	}

	if err := expectOne(result, "discard", item.ID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_diagnostics
			(id, user_id, item_id, entity_type, entity_id, action, payload, kind, reason, attempts, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.ItemID, d.EntityType, d.EntityID, string(d.Action), payload,
		string(d.Kind), d.Reason, d.Attempts, d.RecordedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("queue: recording diagnostic for %d: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: discard %d commit: %w", item.ID, err)
	}

	q.logger.Warn("mutation discarded",
		slog.Int64("id", item.ID),
		slog.String("entity_type", item.EntityType),
		slog.String("kind", string(kind)),
		slog.String("reason", reason),
	)

	return d, nil
}

// Diagnostics returns userID's most recent diagnostics, newest first.
func (q *Queue) Diagnostics(ctx context.Context, userID string, limit int) ([]Diagnostic, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, item_id, entity_type, entity_id, action, payload, kind, reason, attempts, recorded_at
			FROM sync_diagnostics WHERE user_id = ?
			ORDER BY recorded_at DESC, item_id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: diagnostics for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Diagnostic

	for rows.Next() {
		var (
			d          Diagnostic
			action     string
			payload    string
			kind       string
			recordedAt int64
		)

		if err := rows.Scan(&d.ID, &d.UserID, &d.ItemID, &d.EntityType, &d.EntityID, &action,
			&payload, &kind, &d.Reason, &d.Attempts, &recordedAt); err != nil {
			return nil, fmt.Errorf("queue: scanning diagnostic: %w", err)
		}

		if d.Payload, err = decodePayload(payload); err != nil {
			return nil, err
		}

		d.Action = Action(action)
		d.Kind = DiagnosticKind(kind)
		d.RecordedAt = time.Unix(0, recordedAt)

		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterating diagnostics: %w", err)
	}

	return out, nil
}

// DiagnosticCount returns how many diagnostics userID has.
func (q *Queue) DiagnosticCount(ctx context.Context, userID string) (int, error) {
	var n int

	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_diagnostics WHERE user_id = ?`, userID).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("queue: counting diagnostics: %w", err)
	}

	return n, nil
}
