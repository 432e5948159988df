package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/localdb"
	"github.com/stridekit/fitsync/internal/queue"
)

// RemoteSource fetches the server's copy of the settings record.
type RemoteSource interface {
	GetSettings(ctx context.Context) (*api.Settings, error)
}

// PendingSource reports fields with queued local mutations.
type PendingSource interface {
	PendingFieldsTx(
		ctx context.Context, qr queue.Querier, userID, entityType, entityID string, afterID int64,
	) (map[string]bool, error)
}

// Reconciler folds server state into the local record.
type Reconciler struct {
	db      *sql.DB
	repo    *Repository
	remote  RemoteSource
	pending PendingSource
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(db *sql.DB, repo *Repository, remote RemoteSource, pending PendingSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{db: db, repo: repo, remote: remote, pending: pending, logger: logger}
}

// Reconcile fetches the remote record and merges it into the local one.
// A server with no record for the user is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) error {
	wire, err := r.remote.GetSettings(ctx)
	if errors.Is(err, api.ErrNotFound) {
		r.logger.Debug("no remote settings yet", slog.String("owner_id", userID))
		return nil
	}

	if err != nil {
		return fmt.Errorf("settings: fetching remote: %w", err)
	}

	remote := FromWire(wire)
	remote.OwnerID = userID

	if err := remote.Validate(); err != nil {
		return fmt.Errorf("settings: remote record rejected: %w", err)
	}

	merged, changed, err := r.fold(ctx, userID, remote, 0, Merge)
	if err != nil {
		return err
	}

	if changed {
		r.logger.Info("settings reconciled from server",
			slog.String("owner_id", userID),
			slog.Time("updated_at", merged.UpdatedAt),
		)
	}

	return nil
}

// ApplyPushed replaces the local record with the server's canonical
// response to a pushed item, keeping fields that later queued items change.
func (r *Reconciler) ApplyPushed(ctx context.Context, item queue.Item, canonical json.RawMessage) error {
	var wire api.Settings
	if err := json.Unmarshal(canonical, &wire); err != nil {
		return fmt.Errorf("settings: decoding pushed record: %w", err)
	}

	canon := FromWire(&wire)
	canon.OwnerID = item.UserID

	_, _, err := r.fold(ctx, item.UserID, canon, item.ID, func(local, server Record, pending map[string]bool) Record {
		return overlay(server, local, pending)
	})

	return err
}

// fold runs combine over the local record and incoming server state inside
// one transaction, so a local edit cannot slip in between reading the
// pending fields and writing the result.
func (r *Reconciler) fold(
	ctx context.Context, userID string, incoming Record, afterID int64,
	combine func(local, incoming Record, pending map[string]bool) Record,
) (Record, bool, error) {
	var (
		result  Record
		changed bool
	)

	err := localdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		local, err := r.repo.getTx(ctx, tx, userID)
		if errors.Is(err, ErrNotFound) {
			result = incoming
			changed = true

			return r.repo.upsertTx(ctx, tx, result)
		}

		if err != nil {
			return err
		}

		pending, err := r.pending.PendingFieldsTx(ctx, tx, userID, queue.EntitySettings, "", afterID)
		if err != nil {
			return err
		}

		result = combine(*local, incoming, pending)
		if result.Equal(*local) {
			return nil
		}

		changed = true

		return r.repo.upsertTx(ctx, tx, result)
	})
	if err != nil {
		return Record{}, false, err
	}

	if changed {
		r.repo.publish(result)
	}

	return result, changed, nil
}
