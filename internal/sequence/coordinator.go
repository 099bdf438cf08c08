// ============================================================================
// Sequential Learning Coordinator - multi-photo analysis with carried context
// ============================================================================
//
// Package: internal/sequence
// File: coordinator.go
// Purpose: Runs an ordered series of related photos through the scheduler,
//          threading accumulated findings from step to step, and folds the
//          outcome into one aggregate result
//
// One run:
//
//   for step i in 0..N-1:
//       wait StepInterval (not before the first step)
//       prompt = base + baseline framing (i == 0) or diff framing (i > 0)
//       ForceSubmit at high priority, wait for the result
//       structured result -> success, merge its sequence insights
//       error or unstructured result -> failed step, carry on
//       checkpoint the context under sequence/<id>/context
//   aggregate -> save sequence/<id>/result -> drop the checkpoint
//
// Steps of one sequence never overlap: step i+1 is built from step i's output.
// A cancelled ctx or a stopped scheduler interrupts the run: the unfinished
// step is not recorded, the checkpoint is kept, and Resume picks up from it.
//
// ============================================================================

package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/travisdw72/onebarn-ai-sub006/internal/journal"
	"github.com/travisdw72/onebarn-ai-sub006/internal/metrics"
	"github.com/travisdw72/onebarn-ai-sub006/internal/scheduler"
	"github.com/travisdw72/onebarn-ai-sub006/internal/store"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// schemaVersion is written into every checkpoint.
const schemaVersion = 1

var (
	// ErrEmptySequence rejects a run without photos.
	ErrEmptySequence = errors.New("sequence: no photos")
	// ErrLengthMismatch rejects a photo count that differs from the configured length.
	ErrLengthMismatch = errors.New("sequence: photo count does not match configured length")
	// ErrUnknownSequence is returned by Resume when nothing was checkpointed.
	ErrUnknownSequence = errors.New("sequence: unknown sequence")
	// ErrIncompatibleCheckpoint is returned by Resume for a checkpoint of another schema.
	ErrIncompatibleCheckpoint = errors.New("sequence: incompatible checkpoint")
)

// InterruptedError reports a run that stopped before its last step. The
// checkpoint is kept and Resume continues from Step.
type InterruptedError struct {
	SequenceID string
	Step       int
	Err        error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("sequence %s interrupted at step %d: %v", e.SequenceID, e.Step, e.Err)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

// Submitter is the part of the scheduler a sequence needs.
type Submitter interface {
	ForceSubmit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error)
}

// Config bounds sequences.
type Config struct {
	// Length is the required photo count. Zero accepts any count up to MaxLength.
	Length int
	// MaxLength caps the photo count when Length is zero. Zero means no cap.
	MaxLength int
	// StepInterval is the pause between consecutive steps.
	StepInterval time.Duration
	// BasePrompt is used when the caller passes an empty prompt.
	BasePrompt string
}

// Meta describes what a sequence is about.
type Meta struct {
	SubjectID string
	Source    string
}

// Coordinator runs sequences. Each run owns its context exclusively.
type Coordinator struct {
	submitter Submitter
	store     store.Store
	cfg       Config

	journal *journal.Journal
	metrics *metrics.Collector
	now     func() time.Time
	newID   func() string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithJournal records STEP and SEQUENCE events.
func WithJournal(j *journal.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithMetrics reports finalized sequences.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces the ULID sequence id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// New builds a coordinator that submits through sub and checkpoints into st.
func New(sub Submitter, st store.Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		submitter: sub,
		store:     st,
		cfg:       cfg,
		now:       time.Now,
		newID:     func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunSequence analyzes photos in order and returns the aggregate result.
//
// Parameters:
//   - photos: ordered image payloads, one step each
//   - basePrompt: analysis prompt; empty uses the configured base prompt
//   - meta: subject and source tags copied into the context and every request
//
// Returns:
//   - the aggregate result (Shape "sequence", Sequence summary attached)
//   - ErrEmptySequence / ErrLengthMismatch before anything is submitted
//   - *InterruptedError wrapping ctx.Err() or scheduler.ErrSchedulerStopped;
//     the checkpoint is kept
func (c *Coordinator) RunSequence(ctx context.Context, photos [][]byte, basePrompt string, meta Meta) (types.AnalysisResult, error) {
	if err := c.validate(len(photos)); err != nil {
		return types.AnalysisResult{}, err
	}

	now := c.now()
	sc := &types.SequenceLearningContext{
		SequenceID: c.newID(),
		SubjectID:  meta.SubjectID,
		Source:     meta.Source,
		TotalSteps: len(photos),
		History:    make([]types.StepOutcome, 0, len(photos)),
		StartedAt:  now,
		UpdatedAt:  now,
		SchemaVer:  schemaVersion,
	}
	slog.Info("Sequence started", "sequence", sc.SequenceID, "steps", sc.TotalSteps, "subject", meta.SubjectID)
	c.checkpoint(ctx, sc)

	return c.run(ctx, sc, photos, c.prompt(basePrompt))
}

// Resume continues a checkpointed sequence from its first unfinished step.
// A sequence that already finished returns its stored aggregate.
func (c *Coordinator) Resume(ctx context.Context, sequenceID string, photos [][]byte, basePrompt string) (types.AnalysisResult, error) {
	sc, err := c.Load(ctx, sequenceID)
	if errors.Is(err, ErrUnknownSequence) {
		var res types.AnalysisResult
		if lerr := store.LoadJSON(ctx, c.store, store.SequenceResultKey(sequenceID), &res); lerr == nil {
			slog.Info("Sequence already finished", "sequence", sequenceID)
			return res, nil
		}
		return types.AnalysisResult{}, err
	}
	if err != nil {
		return types.AnalysisResult{}, err
	}
	if len(photos) != sc.TotalSteps {
		return types.AnalysisResult{}, fmt.Errorf("%w: checkpoint has %d steps, got %d photos",
			ErrLengthMismatch, sc.TotalSteps, len(photos))
	}

	slog.Info("Sequence resumed", "sequence", sequenceID, "from_step", len(sc.History), "steps", sc.TotalSteps)
	return c.run(ctx, sc, photos, c.prompt(basePrompt))
}

// Load reads the checkpoint of an unfinished sequence.
func (c *Coordinator) Load(ctx context.Context, sequenceID string) (*types.SequenceLearningContext, error) {
	var sc types.SequenceLearningContext
	err := store.LoadJSON(ctx, c.store, store.SequenceContextKey(sequenceID), &sc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, sequenceID)
	}
	if err != nil {
		return nil, err
	}
	if sc.SchemaVer != schemaVersion {
		return nil, fmt.Errorf("%w: schema %d", ErrIncompatibleCheckpoint, sc.SchemaVer)
	}
	return &sc, nil
}

func (c *Coordinator) validate(n int) error {
	if n == 0 {
		return ErrEmptySequence
	}
	if c.cfg.Length > 0 && n != c.cfg.Length {
		return fmt.Errorf("%w: want %d, got %d", ErrLengthMismatch, c.cfg.Length, n)
	}
	if c.cfg.Length == 0 && c.cfg.MaxLength > 0 && n > c.cfg.MaxLength {
		return fmt.Errorf("%w: at most %d, got %d", ErrLengthMismatch, c.cfg.MaxLength, n)
	}
	return nil
}

func (c *Coordinator) prompt(basePrompt string) string {
	if basePrompt == "" {
		return c.cfg.BasePrompt
	}
	return basePrompt
}

// run executes every step not yet in sc.History, then finalizes.
func (c *Coordinator) run(ctx context.Context, sc *types.SequenceLearningContext, photos [][]byte, basePrompt string) (types.AnalysisResult, error) {
	for i := len(sc.History); i < sc.TotalSteps; i++ {
		if i > 0 && c.cfg.StepInterval > 0 {
			if err := sleep(ctx, c.cfg.StepInterval); err != nil {
				return types.AnalysisResult{}, c.interrupted(sc, i, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return types.AnalysisResult{}, c.interrupted(sc, i, err)
		}

		step, err := c.runStep(ctx, sc, i, photos[i], basePrompt)
		if err != nil {
			// the step did not run to completion; leave it for Resume
			if ctx.Err() != nil {
				return types.AnalysisResult{}, c.interrupted(sc, i, ctx.Err())
			}
			if errors.Is(err, scheduler.ErrSchedulerStopped) {
				return types.AnalysisResult{}, c.interrupted(sc, i, err)
			}
		}

		sc.History = append(sc.History, step)
		if step.Success {
			sc.CumulativeInsights.Merge(step.Result.StepInsights)
		}
		sc.UpdatedAt = step.FinishedAt
		c.checkpoint(ctx, sc)
		c.recordStep(sc, step)
	}

	return c.finalize(ctx, sc), nil
}

func (c *Coordinator) interrupted(sc *types.SequenceLearningContext, step int, err error) error {
	slog.Warn("Sequence interrupted, checkpoint kept", "sequence", sc.SequenceID, "step", step, "error", err)
	return &InterruptedError{SequenceID: sc.SequenceID, Step: step, Err: err}
}

// runStep submits one photo and classifies the outcome. The submit error is
// returned alongside the recorded outcome.
func (c *Coordinator) runStep(ctx context.Context, sc *types.SequenceLearningContext, i int, photo []byte, basePrompt string) (types.StepOutcome, error) {
	rc := types.RequestContext{
		Priority:   types.PriorityHigh,
		Source:     sc.Source,
		SequenceID: sc.SequenceID,
		StepIndex:  i,
		Prompt:     RenderPrompt(basePrompt, sc, i),
	}

	step := types.StepOutcome{Index: i, StartedAt: c.now()}
	res, err := c.submitter.ForceSubmit(ctx, photo, rc)
	step.FinishedAt = c.now()

	switch {
	case err != nil:
		step.Error = err.Error()
		slog.Warn("Sequence step failed", "sequence", sc.SequenceID, "step", i, "error", err)
	case !res.Shape.Structured():
		step.Error = fmt.Sprintf("unstructured response (%s)", res.Shape)
		step.Result = &res
		slog.Warn("Sequence step unparseable", "sequence", sc.SequenceID, "step", i, "shape", res.Shape)
	default:
		step.Success = true
		step.Result = &res
		slog.Debug("Sequence step analyzed", "sequence", sc.SequenceID, "step", i,
			"provider", res.ProviderID, "risk", res.RiskLevel)
	}
	return step, err
}

// checkpoint persists sc. Failures are logged; the run continues.
func (c *Coordinator) checkpoint(ctx context.Context, sc *types.SequenceLearningContext) {
	if err := store.SaveJSON(context.WithoutCancel(ctx), c.store, store.SequenceContextKey(sc.SequenceID), sc); err != nil {
		slog.Error("Failed to checkpoint sequence", "sequence", sc.SequenceID, "steps_done", len(sc.History), "error", err)
	}
}

// finalize aggregates, persists the result and drops the checkpoint.
func (c *Coordinator) finalize(ctx context.Context, sc *types.SequenceLearningContext) types.AnalysisResult {
	sc.Finished = true
	res := Aggregate(sc, c.now())

	persistCtx := context.WithoutCancel(ctx)
	if err := store.SaveJSON(persistCtx, c.store, store.SequenceResultKey(sc.SequenceID), res); err != nil {
		slog.Error("Failed to persist sequence result", "sequence", sc.SequenceID, "error", err)
		// keep the finished checkpoint so the run is not lost
		c.checkpoint(ctx, sc)
	} else if err := c.store.Delete(persistCtx, store.SequenceContextKey(sc.SequenceID)); err != nil {
		slog.Error("Failed to drop sequence checkpoint", "sequence", sc.SequenceID, "error", err)
	}

	successful := sc.SuccessfulSteps()
	c.metrics.RecordSequence(successful, sc.TotalSteps)
	if c.journal != nil {
		ev := journal.Event{Type: journal.EventSequence, SequenceID: sc.SequenceID, Source: sc.Source, Step: successful}
		if err := c.journal.Append(ev, true); err != nil {
			slog.Error("Failed to append journal event", "type", ev.Type, "sequence", sc.SequenceID, "error", err)
		}
	}

	slog.Info("Sequence finished", "sequence", sc.SequenceID,
		"successful", successful, "total", sc.TotalSteps, "risk", res.RiskLevel, "confidence", res.Confidence)
	return res
}

func (c *Coordinator) recordStep(sc *types.SequenceLearningContext, step types.StepOutcome) {
	if c.journal == nil {
		return
	}
	ev := journal.Event{
		Type:       journal.EventStep,
		SequenceID: sc.SequenceID,
		Source:     sc.Source,
		Step:       step.Index,
		Error:      step.Error,
	}
	if step.Result != nil {
		ev.Provider = step.Result.ProviderID
		ev.RequestID = step.Result.ID
	}
	if err := c.journal.Append(ev, false); err != nil {
		slog.Error("Failed to append journal event", "type", ev.Type, "sequence", sc.SequenceID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
