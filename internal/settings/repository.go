package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned when no local record exists for an owner.
var ErrNotFound = errors.New("settings: no local record")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository stores settings records in the local database and notifies
// observers of committed changes.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex
	observers map[string][]chan Record
}

// NewRepository creates a Repository on the shared local database.
func NewRepository(db *sql.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}

	return &Repository{
		db:        db,
		logger:    logger,
		observers: make(map[string][]chan Record),
	}
}

// Get returns ownerID's local record.
func (r *Repository) Get(ctx context.Context, ownerID string) (*Record, error) {
	return r.getTx(ctx, r.db, ownerID)
}

// GetOrDefault returns ownerID's local record, or the default record when
// none has been stored.
func (r *Repository) GetOrDefault(ctx context.Context, ownerID string) (Record, error) {
	rec, err := r.Get(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return Default(ownerID), nil
	}

	if err != nil {
		return Record{}, err
	}

	return *rec, nil
}

func (r *Repository) getTx(ctx context.Context, q querier, ownerID string) (*Record, error) {
	var (
		rec       Record
		mode      string
		override  sql.NullInt64
		target    sql.NullFloat64
		reminders int
		updatedAt int64
	)

	err := q.QueryRowContext(ctx,
		`SELECT owner_id, calorie_mode, step_goal, calorie_goal_override, target_weight_kg,
			reminders_enabled, updated_at
			FROM settings WHERE owner_id = ?`, ownerID,
	).Scan(&rec.OwnerID, &mode, &rec.StepGoal, &override, &target, &reminders, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings: %s: %w", ownerID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("settings: reading %s: %w", ownerID, err)
	}

	rec.CalorieMode = CalorieMode(mode)
	rec.RemindersEnabled = reminders != 0
	rec.UpdatedAt = time.Unix(0, updatedAt)

	if override.Valid {
		v := int(override.Int64)
		rec.CalorieGoalOverride = &v
	}

	if target.Valid {
		v := target.Float64
		rec.TargetWeightKg = &v
	}

	return &rec, nil
}

// Upsert stores rec and notifies observers.
func (r *Repository) Upsert(ctx context.Context, rec Record) error {
	if err := r.upsertTx(ctx, r.db, rec); err != nil {
		return err
	}

	r.publish(rec)

	return nil
}

// upsertTx stores rec without notifying; callers publish after commit.
func (r *Repository) upsertTx(ctx context.Context, ex execer, rec Record) error {
	if rec.OwnerID == "" {
		return errors.New("settings: upsert: owner id is required")
	}

	var override sql.NullInt64
	if rec.CalorieGoalOverride != nil {
		override = sql.NullInt64{Int64: int64(*rec.CalorieGoalOverride), Valid: true}
	}

	var target sql.NullFloat64
	if rec.TargetWeightKg != nil {
		target = sql.NullFloat64{Float64: *rec.TargetWeightKg, Valid: true}
	}

	reminders := 0
	if rec.RemindersEnabled {
		reminders = 1
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO settings
			(owner_id, calorie_mode, step_goal, calorie_goal_override, target_weight_kg,
			 reminders_enabled, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id) DO UPDATE SET
				calorie_mode = excluded.calorie_mode,
				step_goal = excluded.step_goal,
				calorie_goal_override = excluded.calorie_goal_override,
				target_weight_kg = excluded.target_weight_kg,
				reminders_enabled = excluded.reminders_enabled,
				updated_at = excluded.updated_at`,
		rec.OwnerID, string(rec.CalorieMode), rec.StepGoal, override, target, reminders, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("settings: writing %s: %w", rec.OwnerID, err)
	}

	return nil
}

// Observe returns a channel that receives ownerID's record after every
// committed change, and a function that stops the subscription. Slow
// observers miss intermediate values but always see the latest one.
func (r *Repository) Observe(ownerID string) (<-chan Record, func()) {
	ch := make(chan Record, 1)

	r.mu.Lock()
	r.observers[ownerID] = append(r.observers[ownerID], ch)
	r.mu.Unlock()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			subs := r.observers[ownerID]
			for i, c := range subs {
				if c == ch {
					r.observers[ownerID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}

			close(ch)
		})
	}

	return ch, cancel
}

func (r *Repository) publish(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.observers[rec.OwnerID] {
		// Replace a stale undelivered value with the latest one.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- rec:
		default:
		}
	}
}
