package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisdw72/onebarn-ai-sub006/internal/failover"
	"github.com/travisdw72/onebarn-ai-sub006/internal/journal"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeExec labels each call with the image bytes. When block is set, every call
// waits for one value (or for close) before returning.
type fakeExec struct {
	mu      sync.Mutex
	calls   []string
	skips   []map[string]bool
	errs    []error
	started chan string
	block   chan struct{}
}

func newFakeExec(blocking bool) *fakeExec {
	f := &fakeExec{started: make(chan string, 128)}
	if blocking {
		f.block = make(chan struct{})
	}
	return f
}

func (f *fakeExec) ExecuteExcluding(ctx context.Context, image []byte, prompt string, skip map[string]bool) (types.AnalysisResult, error) {
	label := string(image)

	f.mu.Lock()
	f.calls = append(f.calls, label)
	cp := make(map[string]bool, len(skip))
	for k, v := range skip {
		cp[k] = v
	}
	f.skips = append(f.skips, cp)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	f.started <- label
	if f.block != nil {
		<-f.block
	}
	if err != nil {
		return types.AnalysisResult{}, err
	}
	return types.AnalysisResult{Summary: label, ProviderID: "fake", Shape: types.ShapeRich}, nil
}

func (f *fakeExec) callLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func submitAsync(s *Scheduler, ctx context.Context, label string, rc types.RequestContext) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.Submit(ctx, []byte(label), rc)
		ch <- outcome{result: res, err: err}
	}()
	return ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting on channel")
	}
	var zero T
	return zero
}

func waitQueued(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Stats().Queued == n }, 3*time.Second, time.Millisecond)
}

func pri(p types.Priority) types.RequestContext {
	return types.RequestContext{Priority: p}
}

// startBlocked starts a scheduler whose executor blocks, and occupies the
// provider slot with one urgent request.
func startBlocked(t *testing.T, cfg Config) (*Scheduler, *fakeExec, <-chan outcome) {
	t.Helper()
	exec := newFakeExec(true)
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	if cfg.BaseInterval == 0 {
		cfg.BaseInterval = time.Hour
	}
	s := New(exec, cfg)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	t.Cleanup(func() {
		defer func() { _ = recover() }()
		close(exec.block)
	})

	first := submitAsync(s, context.Background(), "urgent-0", pri(types.PriorityUrgent))
	require.Equal(t, "urgent-0", recv(t, exec.started))
	return s, exec, first
}

// ============================================================================
// Ordering
// ============================================================================

func TestScheduler_DispatchOrderIsStableByPriority(t *testing.T) {
	s, exec, first := startBlocked(t, Config{})

	pending := []struct {
		label string
		p     types.Priority
	}{
		{"low-1", types.PriorityLow},
		{"high-1", types.PriorityHigh},
		{"medium-1", types.PriorityMedium},
		{"low-2", types.PriorityLow},
		{"high-2", types.PriorityHigh},
		{"medium-2", types.PriorityMedium},
	}
	var waiters []<-chan outcome
	for i, p := range pending {
		waiters = append(waiters, submitAsync(s, context.Background(), p.label, pri(p.p)))
		waitQueued(t, s, i+1)
	}

	exec.block <- struct{}{}
	require.NoError(t, recv(t, first).err)

	for _, want := range []string{"high-1", "high-2", "medium-1", "medium-2", "low-1", "low-2"} {
		assert.Equal(t, want, recv(t, exec.started))
		exec.block <- struct{}{}
	}
	for i, w := range waiters {
		o := recv(t, w)
		require.NoError(t, o.err)
		assert.Equal(t, pending[i].label, o.result.Summary)
		assert.NotEmpty(t, o.result.ID)
	}
}

func TestScheduler_MediumWaitsBehindInFlightUrgent(t *testing.T) {
	s, exec, first := startBlocked(t, Config{})

	medium := submitAsync(s, context.Background(), "medium", pri(types.PriorityMedium))
	waitQueued(t, s, 1)
	low := submitAsync(s, context.Background(), "low", pri(types.PriorityLow))
	waitQueued(t, s, 2)

	st := s.Stats()
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 1, st.QueuedByPriority[types.PriorityMedium])

	exec.block <- struct{}{}
	require.NoError(t, recv(t, first).err)

	assert.Equal(t, "medium", recv(t, exec.started))
	exec.block <- struct{}{}
	assert.Equal(t, "low", recv(t, exec.started))
	exec.block <- struct{}{}

	require.NoError(t, recv(t, medium).err)
	require.NoError(t, recv(t, low).err)
	assert.Equal(t, []string{"urgent-0", "medium", "low"}, exec.callLabels())
}

func TestScheduler_UrgentBypassesQueueButWaitsForProviderSlot(t *testing.T) {
	s, exec, first := startBlocked(t, Config{})

	queued := submitAsync(s, context.Background(), "high", pri(types.PriorityHigh))
	waitQueued(t, s, 1)
	urgent := submitAsync(s, context.Background(), "urgent-1", pri(types.PriorityUrgent))

	require.Eventually(t, func() bool { return s.Stats().InFlight == 2 }, time.Second, time.Millisecond)
	select {
	case label := <-exec.started:
		t.Fatalf("second provider call %q started while one was running", label)
	case <-time.After(30 * time.Millisecond):
	}

	exec.block <- struct{}{}
	require.NoError(t, recv(t, first).err)
	assert.Equal(t, "urgent-1", recv(t, exec.started), "dispatched urgent runs before the queue head")
	exec.block <- struct{}{}
	assert.Equal(t, "high", recv(t, exec.started))
	exec.block <- struct{}{}

	require.NoError(t, recv(t, urgent).err)
	require.NoError(t, recv(t, queued).err)
}

// ============================================================================
// Overflow
// ============================================================================

func TestScheduler_TwentySixthSubmissionEvictsExactlyOne(t *testing.T) {
	s, _, _ := startBlocked(t, Config{})

	waiters := make(map[string]<-chan outcome)
	for i := 0; i < DefaultQueueCapacity; i++ {
		label := fmt.Sprintf("low-%02d", i)
		waiters[label] = submitAsync(s, context.Background(), label, pri(types.PriorityLow))
	}
	waitQueued(t, s, DefaultQueueCapacity)

	last := submitAsync(s, context.Background(), "low-25", pri(types.PriorityLow))
	require.Eventually(t, func() bool { return s.Stats().Evicted == 1 }, 3*time.Second, time.Millisecond)

	st := s.Stats()
	assert.Equal(t, DefaultQueueCapacity, st.Queued, "queue never exceeds capacity")

	var rejected []error
	collect := func() {
		for label, w := range waiters {
			select {
			case o := <-w:
				rejected = append(rejected, o.err)
				delete(waiters, label)
			default:
			}
		}
	}
	require.Eventually(t, func() bool {
		collect()
		return len(rejected) > 0
	}, 3*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	collect()
	require.Len(t, rejected, 1, "exactly one caller is notified")
	assert.ErrorIs(t, rejected[0], ErrQueueOverflow)
	var qoe *QueueOverflowError
	require.ErrorAs(t, rejected[0], &qoe)
	assert.Equal(t, types.PriorityLow, qoe.Priority)
	assert.Equal(t, DefaultQueueCapacity, qoe.Capacity)

	select {
	case o := <-last:
		t.Fatalf("newest request should be queued, got %v", o.err)
	default:
	}
}

// ============================================================================
// Immediate dispatch and rate limiting
// ============================================================================

func TestScheduler_ImmediateDispatchRules(t *testing.T) {
	clock := &fakeClock{now: epoch}
	exec := newFakeExec(false)
	s := New(exec, Config{BaseInterval: 10 * time.Second}, WithClock(clock.Now))
	t.Cleanup(s.Stop)
	ctx := context.Background()

	// nothing dispatched yet: medium goes straight through
	_, err := s.Submit(ctx, []byte("m1"), pri(types.PriorityMedium))
	require.NoError(t, err)

	// interval not elapsed: medium is queued (no loop running to drain it)
	second := submitAsync(s, ctx, "m2", pri(types.PriorityMedium))
	waitQueued(t, s, 1)

	// high dispatches immediately because nothing is in flight and it outranks the queue
	_, err = s.Submit(ctx, []byte("h1"), pri(types.PriorityHigh))
	require.NoError(t, err)

	// a continuous medium stream does not jump a queued medium
	third := submitAsync(s, ctx, "m3", types.RequestContext{Priority: types.PriorityMedium, Continuous: true})
	waitQueued(t, s, 2)

	assert.True(t, s.tick())
	require.NoError(t, recv(t, second).err)
	assert.True(t, s.tick())
	require.NoError(t, recv(t, third).err)
	assert.False(t, s.tick(), "empty queue")

	assert.Equal(t, []string{"m1", "h1", "m2", "m3"}, exec.callLabels())
}

func TestScheduler_IntervalElapsedDispatchesImmediately(t *testing.T) {
	clock := &fakeClock{now: epoch}
	exec := newFakeExec(false)
	s := New(exec, Config{BaseInterval: 10 * time.Second}, WithClock(clock.Now))
	t.Cleanup(s.Stop)
	ctx := context.Background()

	_, err := s.Submit(ctx, []byte("a"), pri(types.PriorityLow))
	require.NoError(t, err)

	// low after one dispatch: 10s * 2 * 1.1 = 22s
	clock.Advance(23 * time.Second)
	_, err = s.Submit(ctx, []byte("b"), pri(types.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Stats().ConsecutiveDispatches)

	// idle gap resets the consecutive count
	clock.Advance(DefaultIdleReset + time.Second)
	_, err = s.Submit(ctx, []byte("c"), pri(types.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().ConsecutiveDispatches)
}

func TestScheduler_ContinuousMediumDispatchesWithoutInterval(t *testing.T) {
	clock := &fakeClock{now: epoch}
	exec := newFakeExec(false)
	s := New(exec, Config{BaseInterval: time.Hour}, WithClock(clock.Now))
	t.Cleanup(s.Stop)

	for i := 0; i < 6; i++ {
		_, err := s.Submit(context.Background(), []byte(fmt.Sprintf("frame-%d", i)),
			types.RequestContext{Priority: types.PriorityMedium, Continuous: true})
		require.NoError(t, err)
	}
	assert.Len(t, exec.callLabels(), 6)
	assert.Zero(t, s.Stats().Queued)
}

func TestRequiredInterval(t *testing.T) {
	base := 10 * time.Second
	tests := []struct {
		name        string
		p           types.Priority
		rate        float64
		consecutive int
		continuous  bool
		want        time.Duration
	}{
		{"urgent never limited", types.PriorityUrgent, 0.1, 10, false, 0},
		{"high fresh", types.PriorityHigh, 1, 0, false, 5 * time.Second},
		{"medium fresh", types.PriorityMedium, 1, 0, false, 10 * time.Second},
		{"low fresh", types.PriorityLow, 1, 0, false, 20 * time.Second},
		{"low success doubles", types.PriorityMedium, 0.4, 0, false, 20 * time.Second},
		{"consecutive scales", types.PriorityMedium, 1, 5, false, 15 * time.Second},
		{"scaling capped at x3", types.PriorityMedium, 1, 50, false, 30 * time.Second},
		{"continuous medium below hold threshold scales", types.PriorityMedium, 1, 3, true, 13 * time.Second},
		{"continuous medium held after 3", types.PriorityMedium, 1, 4, true, 10 * time.Second},
		{"continuous medium held still doubles on low success", types.PriorityMedium, 0.2, 20, true, 20 * time.Second},
		{"continuous low still scales", types.PriorityLow, 1, 10, true, 40 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequiredInterval(base, tt.p, tt.rate, tt.consecutive, tt.continuous)
			assert.InDelta(t, float64(tt.want), float64(got), float64(time.Millisecond))
		})
	}
}

func TestNudgeSuccessRate(t *testing.T) {
	assert.Equal(t, 1.0, nudgeSuccessRate(1.0, true))
	assert.InDelta(t, 0.8, nudgeSuccessRate(1.0, false), 1e-9)
	assert.InDelta(t, 0.1, nudgeSuccessRate(0.2, false), 1e-9)
	assert.InDelta(t, 0.3, nudgeSuccessRate(0.2, true), 1e-9)
}

func TestScheduler_FailuresLowerSuccessRate(t *testing.T) {
	exec := newFakeExec(false)
	exec.errs = []error{errors.New("x"), errors.New("y"), errors.New("z")}
	s := New(exec, Config{})
	t.Cleanup(s.Stop)

	for i := 0; i < 3; i++ {
		_, err := s.ForceSubmit(context.Background(), []byte("f"), pri(types.PriorityHigh))
		require.Error(t, err)
	}
	st := s.Stats()
	assert.InDelta(t, 0.4, st.SuccessRate, 1e-9)
	assert.Equal(t, uint64(3), st.Failed)
}

// ============================================================================
// Cancellation, retry, shutdown
// ============================================================================

func TestScheduler_CancelledQueuedRequestIsRemoved(t *testing.T) {
	s, _, _ := startBlocked(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	w := submitAsync(s, ctx, "medium", pri(types.PriorityMedium))
	waitQueued(t, s, 1)

	cancel()
	o := recv(t, w)
	assert.ErrorIs(t, o.err, context.Canceled)

	st := s.Stats()
	assert.Zero(t, st.Queued)
	assert.Equal(t, uint64(1), st.Cancelled)
}

func TestScheduler_AbandonedInFlightCallRunsToCompletion(t *testing.T) {
	exec := newFakeExec(true)
	s := New(exec, Config{})
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	w := submitAsync(s, ctx, "urgent", pri(types.PriorityUrgent))
	recv(t, exec.started)

	cancel()
	assert.ErrorIs(t, recv(t, w).err, context.Canceled)

	close(exec.block)
	require.Eventually(t, func() bool { return s.Stats().Completed == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, s.Stats().InFlight)
}

func TestScheduler_RetryExcludesPermanentlyFailedProviders(t *testing.T) {
	exec := newFakeExec(false)
	exec.errs = []error{&failover.AllProvidersFailedError{
		Attempts: []failover.Attempt{
			{Provider: "A", Outcome: failover.OutcomeFailed, Permanent: true},
			{Provider: "B", Outcome: failover.OutcomeFailed},
		},
		LastErr: errors.New("timeout"),
	}}
	s := New(exec, Config{MaxAttempts: 2})
	t.Cleanup(s.Stop)

	res, err := s.ForceSubmit(context.Background(), []byte("retry-me"), pri(types.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, "retry-me", res.Summary)

	require.Len(t, exec.skips, 2)
	assert.Empty(t, exec.skips[0])
	assert.Equal(t, map[string]bool{"A": true}, exec.skips[1])
	assert.Equal(t, uint64(1), s.Stats().Retried)
}

func TestScheduler_NoRetryByDefault(t *testing.T) {
	exec := newFakeExec(false)
	exec.errs = []error{errors.New("boom")}
	s := New(exec, Config{})
	t.Cleanup(s.Stop)

	_, err := s.ForceSubmit(context.Background(), []byte("x"), pri(types.PriorityHigh))
	assert.EqualError(t, err, "boom")
	assert.Len(t, exec.callLabels(), 1)
}

func TestScheduler_StopRejectsQueuedAndLaterSubmissions(t *testing.T) {
	exec := newFakeExec(true)
	s := New(exec, Config{TickInterval: 5 * time.Millisecond})
	require.NoError(t, s.Start())

	first := submitAsync(s, context.Background(), "urgent", pri(types.PriorityUrgent))
	recv(t, exec.started)
	queued := submitAsync(s, context.Background(), "low", pri(types.PriorityLow))
	waitQueued(t, s, 1)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	assert.ErrorIs(t, recv(t, queued).err, ErrSchedulerStopped)
	close(exec.block)
	recv(t, stopped)
	require.NoError(t, recv(t, first).err, "in-flight call completes during shutdown")

	_, err := s.Submit(context.Background(), []byte("late"), pri(types.PriorityHigh))
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.ErrorIs(t, s.Start(), ErrSchedulerStopped)
	s.Stop()
}

func TestScheduler_InvalidPriority(t *testing.T) {
	s := New(newFakeExec(false), Config{})
	t.Cleanup(s.Stop)

	_, err := s.Submit(context.Background(), nil, types.RequestContext{Priority: "asap"})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	// empty priority means medium
	_, err = s.Submit(context.Background(), []byte("x"), types.RequestContext{})
	assert.NoError(t, err)
}

func TestScheduler_JournalsLifecycle(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "j.log"))
	require.NoError(t, err)
	defer j.Close()

	s := New(newFakeExec(false), Config{}, WithJournal(j))
	t.Cleanup(s.Stop)

	_, err = s.Submit(context.Background(), []byte("x"),
		types.RequestContext{Priority: types.PriorityHigh, Source: "cam-1", SequenceID: "seq", StepIndex: 2})
	require.NoError(t, err)

	var events []journal.Event
	require.NoError(t, j.Replay(func(ev journal.Event) error {
		events = append(events, ev)
		return nil
	}))
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventDispatched, events[0].Type)
	assert.Equal(t, journal.EventCompleted, events[1].Type)
	assert.Equal(t, "fake", events[1].Provider)
	assert.Equal(t, "cam-1", events[1].Source)
	assert.Equal(t, 2, events[1].Step)
}
