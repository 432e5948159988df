package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/stridekit/fitsync/internal/credstore"
)

// DefaultPollInterval is how often the runner drains when nothing else
// triggers it.
const DefaultPollInterval = 5 * time.Minute

// minWait keeps a head that is already due from spinning the loop.
const minWait = time.Second

// Trigger reasons.
const (
	TriggerStartup      = "startup"
	TriggerTimer        = "timer"
	TriggerForeground   = "foreground"
	TriggerConnectivity = "connectivity"
	TriggerNotification = "notification"
	TriggerManual       = "manual"
)

// DrainFunc drains one user's queue.
type DrainFunc func(ctx context.Context, userID string) (*Report, error)

// SessionSource reports the active session.
type SessionSource interface {
	Current(ctx context.Context) (*credstore.Session, error)
}

// DueSource reports when the head of a user's queue becomes due.
type DueSource interface {
	NextDue(ctx context.Context, userID string) (time.Time, bool, error)
}

// Reconciler pulls remote state for a user after local changes were pushed.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string) error
}

// RunnerConfig holds the runner's dependencies.
type RunnerConfig struct {
	Drain        DrainFunc
	Sessions     SessionSource
	Due          DueSource
	Reconcilers  []Reconciler
	PollInterval time.Duration
	Logger       *slog.Logger

	// OnAuthExpired is called when a cycle ends with a dead session.
	OnAuthExpired func(ctx context.Context, err error)
}

// CycleResult is the outcome of one runner cycle.
type CycleResult struct {
	Reason string
	UserID string // empty when signed out
	Report *Report
	Err    error
}

// Runner schedules drain cycles: on a timer, when the queue head becomes
// due, and on demand through Trigger. Cycles never overlap.
type Runner struct {
	cfg     RunnerConfig
	logger  *slog.Logger
	trigger chan string
	nowFunc func() time.Time

	mu       stdsync.Mutex
	failures int
	last     *CycleResult
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Runner{
		cfg:     cfg,
		logger:  cfg.Logger,
		trigger: make(chan string, 1),
		nowFunc: time.Now,
	}
}

// SetPollInterval changes the timer interval, for config reloads. Takes
// effect after the current wait.
func (r *Runner) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.PollInterval = d
}

// Trigger asks the runner to start a cycle soon. Triggers arriving while
// one is already pending are coalesced.
func (r *Runner) Trigger(reason string) {
	select {
	case r.trigger <- reason:
	default:
		r.logger.Debug("sync trigger coalesced", slog.String("reason", reason))
	}
}

// Last returns the most recent cycle result, or nil before the first cycle.
func (r *Runner) Last() *CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last
}

// RunOnce runs a single cycle for the active session: drain, then
// reconcile. A panic inside the cycle is recovered and reported as an error.
func (r *Runner) RunOnce(ctx context.Context, reason string) (result *CycleResult) {
	result = &CycleResult{Reason: reason}

	defer func() {
		if p := recover(); p != nil {
			result.Err = fmt.Errorf("sync: panic in cycle: %v", p)
		}

		r.record(result)
	}()

	sess, err := r.cfg.Sessions.Current(ctx)
	if errors.Is(err, credstore.ErrNoSession) {
		r.logger.Debug("sync skipped, signed out", slog.String("reason", reason))
		return result
	}

	if err != nil {
		result.Err = fmt.Errorf("sync: reading session: %w", err)
		return result
	}

	result.UserID = sess.UserID

	r.logger.Info("sync cycle starting",
		slog.String("reason", reason),
		slog.String("user_id", sess.UserID),
	)

	result.Report, result.Err = r.cfg.Drain(ctx, sess.UserID)
	if result.Err != nil {
		if errors.Is(result.Err, ErrAuthExpired) && r.cfg.OnAuthExpired != nil {
			r.cfg.OnAuthExpired(ctx, result.Err)
		}

		return result
	}

	var errs []error

	for _, rc := range r.cfg.Reconcilers {
		if err := rc.Reconcile(ctx, sess.UserID); err != nil {
			errs = append(errs, err)
		}
	}

	result.Err = errors.Join(errs...)

	return result
}

func (r *Runner) record(result *CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last = result

	if result.Err == nil {
		r.failures = 0
		return
	}

	r.failures++

	level := slog.LevelWarn
	if r.failures >= cycleBackoffThreshold {
		level = slog.LevelError
	}

	r.logger.Log(context.Background(), level, "sync cycle failed",
		slog.String("reason", result.Reason),
		slog.Int("consecutive_failures", r.failures),
		slog.String("error", result.Err.Error()),
	)
}

// Run drives cycles until ctx is canceled. The first cycle runs
// immediately. Returns nil on clean cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sync runner started")
	defer r.logger.Info("sync runner stopped")

	reason := TriggerStartup

	for {
		r.RunOnce(ctx, reason)

		if ctx.Err() != nil {
			return nil
		}

		wait := r.nextWait(ctx)
		timer := time.NewTimer(wait)

		r.logger.Debug("sync runner waiting", slog.Duration("wait", wait))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case reason = <-r.trigger:
			timer.Stop()
		case <-timer.C:
			reason = TriggerTimer
		}
	}
}

// nextWait picks the delay before the next timed cycle: the poll interval,
// shortened to when the queue head becomes due, lengthened after repeated
// failed cycles.
func (r *Runner) nextWait(ctx context.Context) time.Duration {
	r.mu.Lock()
	wait := r.cfg.PollInterval
	failures := r.failures
	last := r.last
	r.mu.Unlock()

	if pause := cycleBackoff(failures); pause > 0 {
		return max(wait, pause)
	}

	if r.cfg.Due == nil || last == nil || last.UserID == "" {
		return wait
	}

	due, ok, err := r.cfg.Due.NextDue(ctx, last.UserID)
	if err != nil || !ok {
		return wait
	}

	if until := due.Sub(r.nowFunc()); until < wait {
		return max(until, minWait)
	}

	return wait
}
