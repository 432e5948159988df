package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stridekit/fitsync/internal/localdb"
	"github.com/stridekit/fitsync/internal/queue"
)

// Enqueuer adds a mutation to the queue inside a caller's transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx queue.Execer, item queue.Item) (int64, error)
}

// Service applies local edits. Every edit is written locally and queued for
// sync in one transaction, so it succeeds offline and is never lost.
type Service struct {
	db       *sql.DB
	repo     *Repository
	queue    Enqueuer
	logger   *slog.Logger
	nowFunc  func() time.Time
	onChange func()
}

// NewService creates a Service.
func NewService(db *sql.DB, repo *Repository, q Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		db:      db,
		repo:    repo,
		queue:   q,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// OnChange registers a callback run after each committed edit, typically a
// drain trigger.
func (s *Service) OnChange(fn func()) {
	s.onChange = fn
}

// Update applies patch to ownerID's record and queues it for sync. Returns
// the updated local record.
func (s *Service) Update(ctx context.Context, ownerID string, patch Patch) (*Record, error) {
	if ownerID == "" {
		return nil, errors.New("settings: update: no user")
	}

	if len(patch) == 0 {
		return nil, errors.New("settings: update: empty patch")
	}

	var updated Record

	err := localdb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := s.repo.getTx(ctx, tx, ownerID)
		if errors.Is(err, ErrNotFound) {
			d := Default(ownerID)
			current = &d
		} else if err != nil {
			return err
		}

		next := *current
		if err := next.Apply(patch); err != nil {
			return err
		}

		if err := next.Validate(); err != nil {
			return err
		}

		next.UpdatedAt = s.nowFunc()

		if err := s.repo.upsertTx(ctx, tx, next); err != nil {
			return err
		}

		if _, err := s.queue.EnqueueTx(ctx, tx, queue.Item{
			UserID:     ownerID,
			EntityType: queue.EntitySettings,
			Action:     queue.ActionUpdate,
			Payload:    patch,
		}); err != nil {
			return fmt.Errorf("settings: queueing update: %w", err)
		}

		updated = next

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.repo.publish(updated)

	s.logger.Info("settings updated locally",
		slog.String("owner_id", ownerID),
		slog.Any("fields", patch.Keys()),
	)

	if s.onChange != nil {
		s.onChange()
	}

	return &updated, nil
}
