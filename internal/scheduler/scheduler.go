// ============================================================================
// Request Scheduler - priority dispatch with adaptive rate limiting
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Decides when each analysis request reaches the provider executor
//
// Request lifecycle:
//
//   Submit --> immediate? --yes--> Dispatched --> Completed | Failed
//                 |                    ^   |
//                 no                   |   +--(retry budget left)--> Queued
//                 v                    |
//              Queued --(tick)---------+
//                 |
//                 +--(overflow)--> Evicted (caller gets QueueOverflowError)
//                 +--(caller ctx done)--> Cancelled
//
// Immediate dispatch rules (evaluated under the scheduler lock):
//   1. urgent always dispatches; it bypasses the queue and the rate limit
//   2. otherwise nothing may be in flight and nothing of equal or higher
//      priority may be waiting in the queue, then:
//        high, or a continuous-monitoring request  -> dispatch
//        anything else -> dispatch when time since last dispatch >= RequiredInterval
//   3. otherwise the request is queued
//
// Dispatch loop:
//   A ticker (1s by default) pops the head of the queue when nothing is in
//   flight. Ticks never call a provider directly; they start a dispatch
//   goroutine like Submit does.
//
// Single provider call:
//   Every dispatch goroutine acquires a one-slot gate before calling the
//   executor, so at most one provider call runs at a time system-wide even
//   when an urgent request was dispatched while another call was running.
//
// Cancellation:
//   A caller whose ctx ends while its request is queued has the request
//   removed. A dispatched call always runs to completion; if the caller has
//   gone, the result is discarded.
//
// Concurrency:
//   One mutex guards the queue, the in-flight counter and the rate-limiter
//   state. Results are delivered on a buffered channel completed exactly once.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/travisdw72/onebarn-ai-sub006/internal/failover"
	"github.com/travisdw72/onebarn-ai-sub006/internal/journal"
	"github.com/travisdw72/onebarn-ai-sub006/internal/metrics"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

const (
	DefaultBaseInterval = 2 * time.Second
	DefaultTickInterval = time.Second
	DefaultIdleReset    = 60 * time.Second
	DefaultMaxAttempts  = 1
)

// Executor runs one analysis attempt. *failover.Executor implements it.
type Executor interface {
	ExecuteExcluding(ctx context.Context, image []byte, prompt string, skip map[string]bool) (types.AnalysisResult, error)
}

// Config configures the scheduler; zero fields take defaults.
type Config struct {
	QueueCapacity int           // queue bound (25)
	BaseInterval  time.Duration // base spacing between rate-limited dispatches
	TickInterval  time.Duration // dispatcher tick period (1s)
	IdleReset     time.Duration // idle gap after which the consecutive dispatch count resets
	MaxAttempts   int           // attempts per request, 1 means no retry
	DefaultPrompt string        // used when a request carries no prompt
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.IdleReset <= 0 {
		c.IdleReset = DefaultIdleReset
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued                int                    `json:"queued"`
	QueuedByPriority      map[types.Priority]int `json:"queued_by_priority"`
	Capacity              int                    `json:"capacity"`
	InFlight              int                    `json:"in_flight"`
	SuccessRate           float64                `json:"success_rate"`
	ConsecutiveDispatches int                    `json:"consecutive_dispatches"`
	LastDispatch          time.Time              `json:"last_dispatch"`
	Submitted             uint64                 `json:"submitted"`
	Dispatched            uint64                 `json:"dispatched"`
	Completed             uint64                 `json:"completed"`
	Failed                uint64                 `json:"failed"`
	Evicted               uint64                 `json:"evicted"`
	Cancelled             uint64                 `json:"cancelled"`
	Retried               uint64                 `json:"retried"`
}

// Scheduler is the request scheduler.
type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	exec  Executor
	queue *Queue
	seq   uint64

	inFlight     int
	lastDispatch time.Time
	consecutive  int
	successRate  float64
	counters     Stats

	gate    chan struct{} // one slot: the single provider call
	stopCh  chan struct{}
	started bool
	stopped bool
	loopWg  sync.WaitGroup
	callWg  sync.WaitGroup

	now     func() time.Time
	journal *journal.Journal
	metrics *metrics.Collector
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for rate-limit decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJournal records lifecycle transitions.
func WithJournal(j *journal.Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithMetrics reports to a Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a stopped scheduler. Call Start to run the dispatch loop.
func New(exec Executor, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		exec:        exec,
		queue:       NewQueue(cfg.QueueCapacity),
		successRate: maxSuccess,
		gate:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	s.loopWg.Add(1)
	go s.dispatchLoop()

	slog.Info("Scheduler started",
		"capacity", s.cfg.QueueCapacity,
		"base_interval", s.cfg.BaseInterval,
		"tick", s.cfg.TickInterval)
	return nil
}

// Stop rejects every queued request with ErrSchedulerStopped, stops the loop
// and waits for the outstanding provider calls to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pending := s.queue.Drain()
	for _, req := range pending {
		req.status = types.StatusFailed
		s.counters.Failed++
		s.record(journal.EventFailed, req, "", ErrSchedulerStopped)
		req.complete(types.AnalysisResult{}, ErrSchedulerStopped)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	slog.Info("Stopping scheduler...", "rejected", len(pending))

	close(s.stopCh)
	s.loopWg.Wait()
	s.callWg.Wait()

	slog.Info("Scheduler stopped")
}

// Submit schedules an analysis and waits for its result.
//
// Returns:
//   - the normalized result
//   - *QueueOverflowError when evicted, ErrSchedulerStopped, the executor error,
//     or ctx.Err() when the caller gave up
func (s *Scheduler) Submit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error) {
	return s.submit(ctx, image, rc, false)
}

// ForceSubmit dispatches immediately regardless of queue and rate limit.
// The call still waits for the single provider slot.
func (s *Scheduler) ForceSubmit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error) {
	return s.submit(ctx, image, rc, true)
}

func (s *Scheduler) submit(ctx context.Context, image []byte, rc types.RequestContext, forced bool) (types.AnalysisResult, error) {
	if rc.Priority == "" {
		rc.Priority = types.PriorityMedium
	}
	if !rc.Priority.Valid() {
		return types.AnalysisResult{}, fmt.Errorf("%w: %q", ErrInvalidPriority, rc.Priority)
	}

	req := &request{
		id:       types.RequestID(uuid.Must(uuid.NewV7()).String()),
		ctx:      ctx,
		image:    image,
		rc:       rc,
		forced:   forced,
		excluded: make(map[string]bool),
		done:     make(chan outcome, 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return types.AnalysisResult{}, ErrSchedulerStopped
	}
	s.seq++
	req.seq = s.seq
	now := s.now()
	req.enqueuedAt = now
	s.counters.Submitted++
	s.metrics.RecordSubmit(rc.Priority)

	if forced || s.shouldDispatchLocked(req, now) {
		s.dispatchLocked(req, now)
	} else {
		s.enqueueLocked(req)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	return s.wait(ctx, req)
}

// shouldDispatchLocked applies the immediate-dispatch rules.
func (s *Scheduler) shouldDispatchLocked(req *request, now time.Time) bool {
	p := req.rc.Priority
	if p == types.PriorityUrgent {
		return true
	}
	if s.inFlight > 0 || s.queue.HasRankAtLeast(p) {
		return false
	}
	if p == types.PriorityHigh || req.rc.Continuous {
		return true
	}
	if s.lastDispatch.IsZero() {
		return true
	}
	interval := RequiredInterval(s.cfg.BaseInterval, p, s.successRate, s.consecutiveAt(now), req.rc.Continuous)
	return now.Sub(s.lastDispatch) >= interval
}

// consecutiveAt is the dispatch count as it would be seen at now.
func (s *Scheduler) consecutiveAt(now time.Time) int {
	if !s.lastDispatch.IsZero() && now.Sub(s.lastDispatch) > s.cfg.IdleReset {
		return 0
	}
	return s.consecutive
}

func (s *Scheduler) dispatchLocked(req *request, now time.Time) {
	s.consecutive = s.consecutiveAt(now) + 1
	s.lastDispatch = now
	s.inFlight++

	req.status = types.StatusDispatched
	req.attempts++
	s.counters.Dispatched++
	s.record(journal.EventDispatched, req, "", nil)
	s.metrics.RecordDispatch(req.rc.Priority)

	slog.Debug("Dispatching request",
		"id", req.id, "priority", req.rc.Priority, "attempt", req.attempts, "in_flight", s.inFlight)

	s.callWg.Add(1)
	go s.run(req)
}

func (s *Scheduler) enqueueLocked(req *request) {
	req.status = types.StatusQueued
	evicted := s.queue.Push(req)
	if evicted != req {
		s.record(journal.EventQueued, req, "", nil)
		slog.Debug("Request queued", "id", req.id, "priority", req.rc.Priority, "depth", s.queue.Len())
	}
	if evicted != nil {
		s.evictLocked(evicted)
	}
}

func (s *Scheduler) evictLocked(victim *request) {
	victim.status = types.StatusEvicted
	s.counters.Evicted++
	err := &QueueOverflowError{RequestID: victim.id, Priority: victim.rc.Priority, Capacity: s.queue.Capacity()}
	s.record(journal.EventEvicted, victim, "", err)
	s.metrics.RecordEvicted(victim.rc.Priority)
	s.metrics.RecordFinished(victim.rc.Priority, types.StatusEvicted, s.now().Sub(victim.enqueuedAt))
	slog.Warn("Queue overflow, request evicted", "id", victim.id, "priority", victim.rc.Priority)
	victim.complete(types.AnalysisResult{}, err)
}

// run performs one attempt outside the scheduler lock.
func (s *Scheduler) run(req *request) {
	defer s.callWg.Done()

	prompt := req.rc.Prompt
	if prompt == "" {
		prompt = s.cfg.DefaultPrompt
	}

	s.gate <- struct{}{}
	// the call outlives a caller that gave up
	res, err := s.exec.ExecuteExcluding(context.WithoutCancel(req.ctx), req.image, prompt, req.excluded)
	<-s.gate

	s.finish(req, res, err)
}

func (s *Scheduler) finish(req *request, res types.AnalysisResult, err error) {
	s.mu.Lock()
	s.inFlight--
	s.successRate = nudgeSuccessRate(s.successRate, err == nil)
	now := s.now()

	if err != nil && req.attempts < s.cfg.MaxAttempts && !s.stopped && !req.abandoned() {
		var all *failover.AllProvidersFailedError
		if errors.As(err, &all) {
			for _, p := range all.PermanentlyFailed() {
				req.excluded[p] = true
			}
		}
		s.counters.Retried++
		s.record(journal.EventRetry, req, "", err)
		s.metrics.RecordRetry()
		slog.Info("Retrying failed request", "id", req.id, "attempt", req.attempts, "error", err)
		if req.forced {
			s.dispatchLocked(req, now)
		} else {
			s.enqueueLocked(req)
		}
		s.updateGaugesLocked()
		s.mu.Unlock()
		return
	}

	if err != nil {
		req.status = types.StatusFailed
		s.counters.Failed++
		s.record(journal.EventFailed, req, "", err)
	} else {
		req.status = types.StatusCompleted
		res.ID = string(req.id)
		s.counters.Completed++
		s.record(journal.EventCompleted, req, res.ProviderID, nil)
	}
	s.metrics.RecordFinished(req.rc.Priority, req.status, now.Sub(req.enqueuedAt))
	s.updateGaugesLocked()
	s.mu.Unlock()

	if req.abandoned() {
		slog.Debug("Caller gone, discarding result", "id", req.id)
	}
	req.complete(res, err)
}

// wait blocks until the request completes or the caller's ctx ends.
func (s *Scheduler) wait(ctx context.Context, req *request) (types.AnalysisResult, error) {
	select {
	case o := <-req.done:
		return o.result, o.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if err := s.queue.Remove(req.id); err == nil {
		s.cancelLocked(req)
	}
	s.mu.Unlock()
	return types.AnalysisResult{}, ctx.Err()
}

func (s *Scheduler) cancelLocked(req *request) {
	req.status = types.StatusFailed
	s.counters.Cancelled++
	s.record(journal.EventCancelled, req, "", req.ctx.Err())
	s.updateGaugesLocked()
	slog.Debug("Queued request cancelled by caller", "id", req.id)
	req.complete(types.AnalysisResult{}, req.ctx.Err())
}

// dispatchLoop pops the queue head on every tick while nothing is in flight.
func (s *Scheduler) dispatchLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			slog.Info("Dispatch loop stopped")
			return

		case <-ticker.C:
			select {
			case <-s.stopCh:
				slog.Info("Dispatch loop stopped")
				return
			default:
			}
			s.tick()
		}
	}
}

// tick dispatches at most one queued request. It reports whether it did.
func (s *Scheduler) tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.inFlight > 0 {
		return false
	}
	for {
		req := s.queue.Pop()
		if req == nil {
			return false
		}
		if req.abandoned() {
			s.cancelLocked(req)
			continue
		}
		s.dispatchLocked(req, s.now())
		s.updateGaugesLocked()
		return true
	}
}

// Stats returns a snapshot of queue and rate-limiter state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.counters
	st.Queued = s.queue.Len()
	st.QueuedByPriority = s.queue.CountByPriority()
	st.Capacity = s.queue.Capacity()
	st.InFlight = s.inFlight
	st.SuccessRate = s.successRate
	st.ConsecutiveDispatches = s.consecutive
	st.LastDispatch = s.lastDispatch
	return st
}

func (s *Scheduler) updateGaugesLocked() {
	s.metrics.UpdateSchedulerState(s.queue.Len(), s.inFlight, s.successRate)
}

// record appends a lifecycle event. Journal failures are logged, never surfaced.
func (s *Scheduler) record(t journal.EventType, req *request, provider string, err error) {
	if s.journal == nil {
		return
	}
	ev := journal.Event{
		Type:       t,
		RequestID:  string(req.id),
		Priority:   string(req.rc.Priority),
		Source:     req.rc.Source,
		SequenceID: req.rc.SequenceID,
		Step:       req.rc.StepIndex,
		Provider:   provider,
		Attempt:    req.attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	terminal := t != journal.EventQueued && t != journal.EventDispatched
	if jerr := s.journal.Append(ev, terminal); jerr != nil {
		slog.Error("Failed to append journal event", "type", t, "id", req.id, "error", jerr)
	}
}
