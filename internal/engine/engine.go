// ============================================================================
// Orchestration Engine - explicitly constructed core of the analysis system
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: Builds and owns every component and is the single entry point
//          for callers (CLI, gRPC service, demo)
//
// Components:
//   - Registry / Breaker / Executor: provider selection with failover
//   - Scheduler: priority queue, adaptive interval, one provider call at a time
//   - Coordinator: sequential learning runs over the scheduler
//   - Store + Housekeeper: results, checkpoints, quota enforcement
//   - Journal: request lifecycle audit log (optional)
//   - Metrics: Prometheus collector on the engine's own registry
//
// Lifecycle:
//   New -> Start -> (Submit | ForceSubmit | RunSequence | ResumeSequence)* -> Stop
//
//   Start logs checkpointed sequences left by an earlier process so they can be
//   resumed, then starts the scheduler and the housekeeping loop.
//   Stop interrupts running sequences (their checkpoints stay resumable),
//   rejects queued requests, waits for the in-flight call, then closes the
//   journal and the store.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/travisdw72/onebarn-ai-sub006/internal/breaker"
	"github.com/travisdw72/onebarn-ai-sub006/internal/config"
	"github.com/travisdw72/onebarn-ai-sub006/internal/failover"
	"github.com/travisdw72/onebarn-ai-sub006/internal/imageprep"
	"github.com/travisdw72/onebarn-ai-sub006/internal/journal"
	"github.com/travisdw72/onebarn-ai-sub006/internal/metrics"
	"github.com/travisdw72/onebarn-ai-sub006/internal/provider"
	"github.com/travisdw72/onebarn-ai-sub006/internal/scheduler"
	"github.com/travisdw72/onebarn-ai-sub006/internal/sequence"
	"github.com/travisdw72/onebarn-ai-sub006/internal/store"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

var (
	// ErrNotStarted is returned by operations before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrStopped is returned by operations after Stop.
	ErrStopped = errors.New("engine stopped")
)

// unavailable stands in for a provider that could not be constructed.
type unavailable struct{ err error }

func (u unavailable) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	return "", u.err
}

// Engine wires the orchestration core together.
type Engine struct {
	cfg *config.Config

	registry    *provider.Registry
	breaker     *breaker.Breaker
	executor    *failover.Executor
	scheduler   *scheduler.Scheduler
	coordinator *sequence.Coordinator
	store       store.Store
	housekeeper *store.Housekeeper
	journal     *journal.Journal
	metrics     *metrics.Collector
	promReg     *prometheus.Registry

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	resumable []string

	// runCtx is cancelled by Stop to interrupt running sequences.
	runCtx    context.Context
	cancelRun context.CancelFunc
	sequences sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	entries  []provider.Entry
	store    store.Store
	registry *prometheus.Registry
	clock    func() time.Time
}

// WithProviders replaces the providers built from configuration.
func WithProviders(entries ...provider.Entry) Option {
	return func(o *options) { o.entries = entries }
}

// WithStore replaces the store opened from configuration.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPrometheusRegistry registers metrics on reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces time.Now in the breaker, scheduler and coordinator.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		def := config.Defaults()
		cfg = &def
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	e := &Engine{cfg: cfg, promReg: o.registry, stopCh: make(chan struct{})}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	e.metrics = metrics.NewCollector(o.registry)

	entries := o.entries
	if entries == nil {
		var err error
		if entries, err = BuildProviders(cfg.Providers); err != nil {
			return nil, err
		}
	}
	registry, err := provider.NewRegistry(entries...)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	e.registry = registry

	e.breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, breaker.WithClock(o.clock), breaker.WithStateListener(e.metrics.CircuitChanged))
	e.executor = failover.New(registry, e.breaker, failover.WithObserver(e.metrics))

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path,
			journal.WithBufferSize(cfg.Journal.BufferSize),
			journal.WithFlushInterval(cfg.Journal.FlushInterval))
		if err != nil {
			return nil, err
		}
		e.journal = j
	}

	e.store = o.store
	if e.store == nil {
		st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
		if err != nil {
			e.journal.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		e.store = st
	}
	e.housekeeper = store.NewHousekeeper(e.store, store.HousekeeperConfig{
		QuotaBytes: cfg.Store.QuotaBytes,
		LowWater:   cfg.Store.LowWater,
	}, e.metrics)

	e.scheduler = scheduler.New(e.executor, scheduler.Config{
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		BaseInterval:  cfg.Scheduler.BaseInterval,
		TickInterval:  cfg.Scheduler.TickInterval,
		IdleReset:     cfg.Scheduler.IdleReset,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		DefaultPrompt: cfg.Scheduler.DefaultPrompt,
	}, scheduler.WithClock(o.clock), scheduler.WithJournal(e.journal), scheduler.WithMetrics(e.metrics))

	e.coordinator = sequence.New(e.scheduler, e.store, sequence.Config{
		Length:       cfg.Sequence.Length,
		MaxLength:    cfg.Sequence.MaxLength,
		StepInterval: cfg.Sequence.StepInterval,
		BasePrompt:   cfg.Sequence.BasePrompt,
	}, sequence.WithClock(o.clock), sequence.WithJournal(e.journal), sequence.WithMetrics(e.metrics))

	slog.Info("Engine created",
		"providers", len(entries), "eligible", len(registry.Eligible()),
		"store", cfg.Store.Backend, "journal", cfg.Journal.Enabled)
	return e, nil
}

// Start recovers checkpoint state and starts the background loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}

	e.recoverSequences()

	if err := e.scheduler.Start(); err != nil {
		return err
	}
	e.started = true

	e.wg.Add(1)
	go e.housekeepingLoop()

	slog.Info("Engine started")
	return nil
}

// recoverSequences lists sequences a previous process left unfinished.
func (e *Engine) recoverSequences() {
	keys, err := e.store.ListKeys(context.Background(), store.PrefixSequence)
	if err != nil {
		slog.Error("Failed to scan sequence checkpoints", "error", err)
		return
	}
	e.resumable = e.resumable[:0]
	for _, k := range keys {
		if !store.IsCheckpointKey(k) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, store.PrefixSequence), "/context")
		e.resumable = append(e.resumable, id)
	}
	if len(e.resumable) > 0 {
		slog.Info("Unfinished sequences found", "count", len(e.resumable), "ids", e.resumable)
	}
}

// housekeepingLoop enforces the store quota periodically.
func (e *Engine) housekeepingLoop() {
	defer e.wg.Done()

	interval := e.cfg.Store.HousekeepingInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			select {
			case <-e.stopCh:
				return
			default:
			}
			if _, err := e.housekeeper.Enforce(context.Background()); err != nil {
				slog.Error("Store housekeeping failed", "error", err)
			}
		}
	}
}

// Stop shuts everything down. Safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	wasStarted := e.started
	e.mu.Unlock()

	slog.Info("Stopping engine...")
	e.cancelRun()
	e.sequences.Wait()
	e.scheduler.Stop()
	if wasStarted {
		close(e.stopCh)
		e.wg.Wait()
	}

	var errs []error
	if err := e.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	slog.Info("Engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// beginSequence registers a running sequence with Stop. The returned context
// ends with ctx or when the engine stops.
func (e *Engine) beginSequence(ctx context.Context) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, nil, ErrStopped
	}
	if !e.started {
		return nil, nil, ErrNotStarted
	}
	e.sequences.Add(1)
	runCtx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(e.runCtx, cancel)
	return runCtx, func() {
		unhook()
		cancel()
		e.sequences.Done()
	}, nil
}

// sequenceErr reports an engine shutdown as ErrStopped while keeping the
// interruption details for callers that want the sequence id.
func (e *Engine) sequenceErr(err error) error {
	if err != nil && e.runCtx.Err() != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return err
}

// prepare normalizes an image when configured. Undecodable input is passed
// through unchanged; the provider decides whether it can read it.
func (e *Engine) prepare(image []byte) []byte {
	if !e.cfg.Image.Normalize {
		return image
	}
	out, format, err := imageprep.Normalize(image, e.cfg.Image.Quality)
	if err != nil {
		slog.Warn("Image normalization skipped", "bytes", len(image), "error", err)
		return image
	}
	if format != "jpeg" {
		slog.Debug("Image converted", "from", format)
	}
	return out
}

// Submit schedules one analysis and waits for it. Completed results are
// persisted under analysis/<id>.
func (e *Engine) Submit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error) {
	if err := e.ready(); err != nil {
		return types.AnalysisResult{}, err
	}
	res, err := e.scheduler.Submit(ctx, e.prepare(image), rc)
	if err != nil {
		return res, err
	}
	e.persist(ctx, res)
	return res, nil
}

// ForceSubmit dispatches immediately, bypassing queue and rate limit.
func (e *Engine) ForceSubmit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error) {
	if err := e.ready(); err != nil {
		return types.AnalysisResult{}, err
	}
	res, err := e.scheduler.ForceSubmit(ctx, e.prepare(image), rc)
	if err != nil {
		return res, err
	}
	e.persist(ctx, res)
	return res, nil
}

func (e *Engine) persist(ctx context.Context, res types.AnalysisResult) {
	if res.ID == "" {
		return
	}
	if err := store.SaveJSON(context.WithoutCancel(ctx), e.store, store.AnalysisKey(res.ID), res); err != nil {
		slog.Error("Failed to persist analysis result", "id", res.ID, "error", err)
	}
}

// RunSequence runs a sequential learning analysis over photos.
func (e *Engine) RunSequence(ctx context.Context, photos [][]byte, basePrompt string, meta sequence.Meta) (types.AnalysisResult, error) {
	ctx, done, err := e.beginSequence(ctx)
	if err != nil {
		return types.AnalysisResult{}, err
	}
	defer done()
	res, err := e.coordinator.RunSequence(ctx, e.prepareAll(photos), basePrompt, meta)
	return res, e.sequenceErr(err)
}

// ResumeSequence continues a checkpointed sequence.
func (e *Engine) ResumeSequence(ctx context.Context, sequenceID string, photos [][]byte, basePrompt string) (types.AnalysisResult, error) {
	ctx, done, err := e.beginSequence(ctx)
	if err != nil {
		return types.AnalysisResult{}, err
	}
	defer done()
	res, err := e.coordinator.Resume(ctx, sequenceID, e.prepareAll(photos), basePrompt)
	if err != nil {
		return res, e.sequenceErr(err)
	}
	e.mu.Lock()
	for i, id := range e.resumable {
		if id == sequenceID {
			e.resumable = append(e.resumable[:i], e.resumable[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return res, nil
}

func (e *Engine) prepareAll(photos [][]byte) [][]byte {
	out := make([][]byte, len(photos))
	for i, p := range photos {
		out[i] = e.prepare(p)
	}
	return out
}

// Result loads a persisted standalone or sequence result by id.
func (e *Engine) Result(ctx context.Context, id string) (types.AnalysisResult, error) {
	var res types.AnalysisResult
	err := store.LoadJSON(ctx, e.store, store.AnalysisKey(id), &res)
	if errors.Is(err, store.ErrNotFound) {
		err = store.LoadJSON(ctx, e.store, store.SequenceResultKey(id), &res)
	}
	return res, err
}

// Status is a point-in-time view of the engine.
type Status struct {
	Scheduler           scheduler.Stats       `json:"scheduler"`
	Providers           []provider.Descriptor `json:"providers"`
	Circuits            []breaker.State       `json:"circuits"`
	StoreBytes          int64                 `json:"store_bytes"`
	ResumableSequences  []string              `json:"resumable_sequences"`
	JournalLastSequence uint64                `json:"journal_last_seq"`
}

// Status reports scheduler, provider, circuit and storage state.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		Scheduler:           e.scheduler.Stats(),
		Providers:           e.registry.Providers(),
		Circuits:            e.breaker.Snapshot(),
		JournalLastSequence: e.journal.LastSeq(),
	}
	if n, err := e.store.Size(ctx); err == nil {
		st.StoreBytes = n
	}
	e.mu.Lock()
	st.ResumableSequences = append([]string{}, e.resumable...)
	e.mu.Unlock()
	return st
}

// Gatherer exposes the engine's metrics for a /metrics endpoint.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.promReg
}

// Housekeep runs one quota enforcement pass now.
func (e *Engine) Housekeep(ctx context.Context) (int, error) {
	return e.housekeeper.Enforce(ctx)
}
