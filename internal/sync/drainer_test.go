package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/localdb"
	"github.com/stridekit/fitsync/internal/queue"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var errOffline = fmt.Errorf("api: POST /v1/workouts: %w: connection refused", api.ErrNetwork)

// scriptedSubmitter replays per-entity scripts of errors; once a script is
// exhausted the entity succeeds. Every call is logged in order.
type scriptedSubmitter struct {
	mu      gosync.Mutex
	scripts map[string][]error
	calls   []string
	gate    chan struct{}
	started chan struct{}
}

func newScriptedSubmitter() *scriptedSubmitter {
	return &scriptedSubmitter{scripts: make(map[string][]error)}
}

func (s *scriptedSubmitter) script(entityID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripts[entityID] = errs
}

func (s *scriptedSubmitter) Submit(ctx context.Context, m api.Mutation) (json.RawMessage, error) {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}

	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, m.EntityID)

	if script := s.scripts[m.EntityID]; len(script) > 0 {
		s.scripts[m.EntityID] = script[1:]

		if script[0] != nil {
			return nil, script[0]
		}
	}

	return json.RawMessage(fmt.Sprintf(`{"id":%q}`, m.EntityID)), nil
}

func (s *scriptedSubmitter) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls...)
}

type recordingApplier struct {
	mu      gosync.Mutex
	applied map[int64]string
}

func (a *recordingApplier) ApplyPushed(_ context.Context, item queue.Item, canonical json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.applied == nil {
		a.applied = make(map[int64]string)
	}

	a.applied[item.ID] = string(canonical)

	return nil
}

type drainFixture struct {
	q     *queue.Queue
	sub   *scriptedSubmitter
	d     *Drainer
	clock time.Time
}

func newDrainFixture(t *testing.T, cfg DrainerConfig) *drainFixture {
	t.Helper()

	db, err := localdb.Open(context.Background(), filepath.Join(t.TempDir(), "fitsync.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &drainFixture{
		q:   queue.New(db, testLogger(t)),
		sub: newScriptedSubmitter(),
	}

	cfg.Queue = f.q
	cfg.Submitter = f.sub
	cfg.Logger = testLogger(t)

	f.d = NewDrainer(cfg)

	return f
}

// start pins the drainer clock just after the items were enqueued.
func (f *drainFixture) start() {
	f.clock = time.Now().Add(time.Millisecond)
	f.d.nowFunc = func() time.Time { return f.clock }
}

func (f *drainFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *drainFixture) enqueue(t *testing.T, user, entityID string) int64 {
	t.Helper()

	id, err := f.q.Enqueue(context.Background(), queue.Item{
		UserID:     user,
		EntityType: queue.EntityWorkout,
		EntityID:   entityID,
		Action:     queue.ActionUpdate,
		Payload:    map[string]any{"name": entityID},
	})
	require.NoError(t, err)

	return id
}

func (f *drainFixture) remaining(t *testing.T, user string) []queue.Item {
	t.Helper()

	items, err := f.q.List(context.Background(), user)
	require.NoError(t, err)

	return items
}

func TestDrain_SubmitsInFIFOOrder(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.enqueue(t, "u1", "C")
	f.start()

	report, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, f.sub.log())
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, OutcomeApplied, report.StoppedBy)
	assert.Empty(t, f.remaining(t, "u1"))
}

func TestDrain_TransientHeadBlocksUntilItSucceeds(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{BaseBackoff: 2 * time.Second})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.script("A", errOffline, errOffline)
	f.start()

	report, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)
	assert.Equal(t, OutcomeTransient, report.StoppedBy)

	items := f.remaining(t, "u1")
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, f.clock.Add(2*time.Second).UnixNano(), items[0].NextAttemptAt.UnixNano())

	// Not yet due: nothing is submitted, and B does not overtake A.
	_, err = f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, f.sub.log())

	f.advance(2 * time.Second)

	_, err = f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	items = f.remaining(t, "u1")
	require.Len(t, items, 2)
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, f.clock.Add(4*time.Second).UnixNano(), items[0].NextAttemptAt.UnixNano())

	f.advance(4 * time.Second)

	report, err = f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "A", "A", "B"}, f.sub.log())
	assert.Equal(t, 2, report.Applied)
	assert.Empty(t, f.remaining(t, "u1"))
}

func TestDrain_ParksExhaustedItem(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{MaxAttempts: 2, BaseBackoff: time.Second})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.script("A", errOffline, errOffline, errOffline)
	f.start()

	_, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	f.advance(time.Second)

	report, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parked)

	items := f.remaining(t, "u1")
	require.Len(t, items, 2)
	assert.True(t, items[0].Parked)
	assert.Equal(t, 2, items[0].Attempts)

	f.advance(24 * time.Hour)

	_, err = f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A"}, f.sub.log(), "parked head blocks the queue")
}

func TestDrain_DropPolicyDiscardsAndContinues(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{MaxAttempts: 1, Exhaustion: ExhaustDrop})

	a := f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.script("A", errOffline)
	f.start()

	report, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, []string{"A", "B"}, f.sub.log())
	assert.Empty(t, f.remaining(t, "u1"))

	diags, err := f.q.Diagnostics(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, a, diags[0].ItemID)
	assert.Equal(t, queue.KindExhausted, diags[0].Kind)
}

func TestDrain_RejectedItemIsDiscarded(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.script("A", &api.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "bad", Err: api.ErrUnprocessable})
	f.start()

	report, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Applied)
	assert.Empty(t, f.remaining(t, "u1"))

	diags, err := f.q.Diagnostics(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, queue.KindRejected, diags[0].Kind)
	assert.Contains(t, diags[0].Reason, "HTTP 422")
}

func TestDrain_AuthExpiredStopsWithoutConsumingAttempts(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.script("A", fmt.Errorf("%w: refresh rejected", api.ErrAuthExpired))
	f.start()

	report, err := f.d.Drain(context.Background(), "u1")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.ErrorIs(t, err, api.ErrAuthExpired)
	assert.Equal(t, OutcomeAuthExpired, report.StoppedBy)

	items := f.remaining(t, "u1")
	require.Len(t, items, 2)
	assert.Zero(t, items[0].Attempts)
	assert.Equal(t, []string{"A"}, f.sub.log())
}

func TestDrain_OnlyTouchesRequestedUser(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u2", "X")
	f.start()

	_, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, f.sub.log())
	assert.Len(t, f.remaining(t, "u2"), 1)
}

func TestDrain_ConcurrentCallsShareOneCycle(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.gate = make(chan struct{})
	f.sub.started = make(chan struct{}, 1)
	f.start()

	var wg gosync.WaitGroup

	var failures atomic.Int32

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := f.d.Drain(context.Background(), "u1"); err != nil {
				failures.Add(1)
			}
		}()
	}

	<-f.sub.started
	time.Sleep(20 * time.Millisecond)
	close(f.sub.gate)
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, []string{"A", "B"}, f.sub.log(), "each item submitted exactly once")
}

func TestDrain_CancellationStopsBetweenItems(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.gate = make(chan struct{})
	f.sub.started = make(chan struct{}, 1)
	f.start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := f.d.Drain(ctx, "u1")
		done <- err
	}()

	<-f.sub.started
	cancel()
	close(f.sub.gate)

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// A completed despite the cancellation; B waits for the next cycle.
	assert.Equal(t, []string{"A"}, f.sub.log())

	items := f.remaining(t, "u1")
	require.Len(t, items, 1)
	assert.Equal(t, "B", items[0].EntityID)
}

func TestDrain_CanceledCallerDoesNotStopSharedCycle(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	f.enqueue(t, "u1", "A")
	f.enqueue(t, "u1", "B")
	f.sub.gate = make(chan struct{})
	f.sub.started = make(chan struct{}, 1)
	f.start()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)

	go func() {
		_, err := f.d.Drain(ctx, "u1")
		first <- err
	}()

	<-f.sub.started

	second := make(chan error, 1)

	go func() {
		_, err := f.d.Drain(context.Background(), "u1")
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller kept waiting on the shared cycle")
	}

	close(f.sub.gate)

	require.NoError(t, <-second)
	assert.Equal(t, []string{"A", "B"}, f.sub.log())
	assert.Empty(t, f.remaining(t, "u1"))
}

func TestDrain_AppliesCanonicalResponse(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	applier := &recordingApplier{}
	f.d.RegisterApplier(queue.EntityWorkout, applier)

	a := f.enqueue(t, "u1", "A")
	f.start()

	_, err := f.d.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":"A"}`, applier.applied[a])
}

func TestDrain_RequiresUser(t *testing.T) {
	f := newDrainFixture(t, DrainerConfig{})

	_, err := f.d.Drain(context.Background(), "")
	assert.Error(t, err)
}
