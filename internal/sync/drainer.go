package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/queue"
)

// Exhaustion policies for items that reach MaxAttempts.
const (
	// ExhaustPark keeps the item in place, blocking its successors until
	// the user re-arms it.
	ExhaustPark = "park"
	// ExhaustDrop discards the item with an "exhausted" diagnostic.
	ExhaustDrop = "drop"
)

// Defaults for DrainerConfig zero values.
const (
	DefaultMaxAttempts    = 10
	DefaultBatchSize      = 50
	DefaultRequestTimeout = 30 * time.Second
)

// ErrAuthExpired is returned by Drain when the session can no longer make
// authenticated calls. It wraps api.ErrAuthExpired.
var ErrAuthExpired = fmt.Errorf("sync: %w", api.ErrAuthExpired)

// Submitter replays one mutation against the backend.
type Submitter interface {
	Submit(ctx context.Context, m api.Mutation) (json.RawMessage, error)
}

// QueueStore is the subset of queue.Queue the drainer uses.
type QueueStore interface {
	Ready(ctx context.Context, userID string, now time.Time, limit int) ([]queue.Item, error)
	MarkAttempted(ctx context.Context, id int64, next time.Time, lastErr string) (int, error)
	Remove(ctx context.Context, id int64) error
	Park(ctx context.Context, id int64, reason string) error
	Discard(ctx context.Context, item queue.Item, kind queue.DiagnosticKind, reason string) (*queue.Diagnostic, error)
}

// Applier folds the server's canonical response for an applied item back
// into local state.
type Applier interface {
	ApplyPushed(ctx context.Context, item queue.Item, canonical json.RawMessage) error
}

// DrainerConfig holds the drainer's dependencies and retry policy.
type DrainerConfig struct {
	Queue          QueueStore
	Submitter      Submitter
	Logger         *slog.Logger
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	Exhaustion     string
	BatchSize      int
	RequestTimeout time.Duration
}

// Report summarizes one drain cycle.
type Report struct {
	CycleID   string
	UserID    string
	Applied   int
	Rejected  int
	Retrying  int // items rescheduled with backoff (at most one per cycle)
	Parked    int
	Dropped   int
	StoppedBy Outcome // OutcomeApplied when the cycle ran out of ready items
	Duration  time.Duration
}

// Drainer submits a user's ready queue items in FIFO order.
type Drainer struct {
	cfg      DrainerConfig
	logger   *slog.Logger
	appliers map[string]Applier
	group    singleflight.Group
	nowFunc  func() time.Time

	locksMu stdsync.Mutex
	locks   map[string]*stdsync.Mutex
	flights map[string]*drainFlight
}

// NewDrainer creates a Drainer, filling zero config values with defaults.
func NewDrainer(cfg DrainerConfig) *Drainer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.Exhaustion == "" {
		cfg.Exhaustion = ExhaustPark
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &Drainer{
		cfg:      cfg,
		logger:   cfg.Logger,
		appliers: make(map[string]Applier),
		nowFunc:  time.Now,
		locks:    make(map[string]*stdsync.Mutex),
		flights:  make(map[string]*drainFlight),
	}
}

// RegisterApplier installs the applier for an entity type. Not safe to call
// concurrently with Drain.
func (d *Drainer) RegisterApplier(entityType string, a Applier) {
	d.appliers[entityType] = a
}

// Drain runs one cycle over userID's ready items. Concurrent calls for the
// same user share a single cycle and its report. A cycle stops at the first
// transient failure, at a parked item, or once every caller sharing it has
// canceled; it returns ErrAuthExpired when the session is dead.
//
// A caller whose ctx ends while others still wait returns at once and the
// cycle carries on for them. The last caller to leave cancels the cycle and
// waits for the item in flight to settle.
func (d *Drainer) Drain(ctx context.Context, userID string) (*Report, error) {
	if userID == "" {
		return nil, errors.New("sync: drain: no user")
	}

	f := d.join(ctx, userID)

	ch := d.group.DoChan(userID, func() (any, error) {
		mu := d.userLock(userID)
		mu.Lock()
		defer mu.Unlock()

		return d.cycle(f.ctx, userID)
	})

	select {
	case res := <-ch:
		d.leave(userID, f)

		if res.Shared {
			d.logger.Debug("joined in-progress drain", slog.String("user_id", userID))
		}

		report, _ := res.Val.(*Report)

		return report, res.Err
	case <-ctx.Done():
		if !d.leave(userID, f) {
			return nil, fmt.Errorf("sync: drain canceled: %w", ctx.Err())
		}

		res := <-ch
		report, _ := res.Val.(*Report)

		return report, res.Err
	}
}

// drainFlight is the context shared by every caller of one user's cycle.
type drainFlight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (d *Drainer) join(ctx context.Context, userID string) *drainFlight {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	f, ok := d.flights[userID]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &drainFlight{ctx: fctx, cancel: cancel}
		d.flights[userID] = f
	}

	f.waiters++

	return f
}

// leave drops one waiter and reports whether it was the last, in which
// case the flight's context is canceled.
func (d *Drainer) leave(userID string, f *drainFlight) bool {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return false
	}

	if d.flights[userID] == f {
		delete(d.flights, userID)
	}

	f.cancel()

	return true
}

func (d *Drainer) userLock(userID string) *stdsync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	mu, ok := d.locks[userID]
	if !ok {
		mu = &stdsync.Mutex{}
		d.locks[userID] = mu
	}

	return mu
}

// cycle drains batches until the queue has no ready item or a stop
// condition is hit.
func (d *Drainer) cycle(ctx context.Context, userID string) (*Report, error) {
	start := d.nowFunc()
	report := &Report{CycleID: uuid.NewString(), UserID: userID}

	logger := d.logger.With(slog.String("cycle_id", report.CycleID), slog.String("user_id", userID))

	defer func() {
		report.Duration = d.nowFunc().Sub(start)

		logger.Info("drain cycle finished",
			slog.Int("applied", report.Applied),
			slog.Int("rejected", report.Rejected),
			slog.Int("retrying", report.Retrying),
			slog.Int("parked", report.Parked),
			slog.Int("dropped", report.Dropped),
			slog.String("stopped_by", report.StoppedBy.String()),
			slog.Duration("duration", report.Duration),
		)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sync: drain canceled: %w", err)
		}

		items, err := d.cfg.Queue.Ready(ctx, userID, d.nowFunc(), d.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("sync: loading ready items: %w", err)
		}

		if len(items) == 0 {
			return report, nil
		}

		for i := range items {
			if err := ctx.Err(); err != nil {
				return report, fmt.Errorf("sync: drain canceled: %w", err)
			}

			stop, err := d.process(ctx, logger, items[i], report)
			if err != nil {
				return report, err
			}

			if stop {
				return report, nil
			}
		}
	}
}

// process submits one item and records the outcome. It reports stop when
// the rest of the user's queue must wait.
func (d *Drainer) process(ctx context.Context, logger *slog.Logger, item queue.Item, report *Report) (bool, error) {
	itemLog := logger.With(
		slog.Int64("item_id", item.ID),
		slog.String("entity_type", item.EntityType),
		slog.String("action", string(item.Action)),
	)

	// An accepted request is not abandoned halfway because the cycle was
	// canceled; only the per-request timeout bounds it.
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RequestTimeout)
	defer cancel()

	canonical, subErr := d.cfg.Submitter.Submit(subCtx, api.Mutation{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Action:     string(item.Action),
		Payload:    item.Payload,
	})

	outcome := Classify(subErr)

	switch outcome {
	case OutcomeApplied:
		return false, d.applied(subCtx, itemLog, item, canonical, report)

	case OutcomeRejected:
		report.Rejected++

		if _, err := d.cfg.Queue.Discard(subCtx, item, queue.KindRejected, subErr.Error()); err != nil {
			return true, fmt.Errorf("sync: discarding rejected item %d: %w", item.ID, err)
		}

		return false, nil

	case OutcomeAuthExpired:
		report.StoppedBy = OutcomeAuthExpired
		itemLog.Warn("session expired during drain", slog.String("error", subErr.Error()))

		return true, fmt.Errorf("%w: %w", ErrAuthExpired, subErr)

	default:
		return d.failed(subCtx, itemLog, item, subErr, report)
	}
}

func (d *Drainer) applied(
	ctx context.Context, logger *slog.Logger, item queue.Item, canonical json.RawMessage, report *Report,
) error {
	if err := d.cfg.Queue.Remove(ctx, item.ID); err != nil {
		return fmt.Errorf("sync: removing applied item %d: %w", item.ID, err)
	}

	report.Applied++

	logger.Debug("mutation applied")

	applier, ok := d.appliers[item.EntityType]
	if !ok || len(canonical) == 0 {
		return nil
	}

	// The server already has the change; a local apply failure is fixed
	// by the next reconciliation.
	if err := applier.ApplyPushed(ctx, item, canonical); err != nil {
		logger.Warn("applying server response failed", slog.String("error", err.Error()))
	}

	return nil
}

// failed handles a transient failure: reschedule with backoff, or apply the
// exhaustion policy once the attempt budget is spent.
func (d *Drainer) failed(
	ctx context.Context, logger *slog.Logger, item queue.Item, subErr error, report *Report,
) (bool, error) {
	attempts := item.Attempts + 1

	if attempts >= d.cfg.MaxAttempts && d.cfg.Exhaustion == ExhaustDrop {
		report.Dropped++

		reason := fmt.Sprintf("gave up after %d attempts: %s", attempts, subErr)
		if _, err := d.cfg.Queue.Discard(ctx, item, queue.KindExhausted, reason); err != nil {
			return true, fmt.Errorf("sync: dropping exhausted item %d: %w", item.ID, err)
		}

		return false, nil
	}

	delay := Backoff(attempts, d.cfg.BaseBackoff, d.cfg.MaxBackoff)
	next := d.nowFunc().Add(delay)

	if _, err := d.cfg.Queue.MarkAttempted(ctx, item.ID, next, subErr.Error()); err != nil {
		return true, fmt.Errorf("sync: recording attempt for item %d: %w", item.ID, err)
	}

	report.StoppedBy = OutcomeTransient

	if attempts >= d.cfg.MaxAttempts {
		report.Parked++

		if err := d.cfg.Queue.Park(ctx, item.ID, subErr.Error()); err != nil {
			return true, fmt.Errorf("sync: parking item %d: %w", item.ID, err)
		}

		return true, nil
	}

	report.Retrying++

	logger.Info("mutation will be retried",
		slog.Int("attempts", attempts),
		slog.Duration("backoff", delay),
		slog.String("error", subErr.Error()),
	)

	return true, nil
}
