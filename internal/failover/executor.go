// ============================================================================
// Provider Failover Executor - ordered provider iteration with circuit breaking
// ============================================================================
//
// Package: internal/failover
// File: executor.go
// Purpose: Runs one analysis against the first provider that can serve it
//
// Algorithm (one Execute call):
//
//   for provider in registry order:
//       skip if disabled, not vision-capable, excluded, or circuit open
//       call provider
//       success -> breaker.RecordSuccess, normalize, tag {provider, model}, return
//       failure -> breaker.RecordFailure, classify, continue with next provider
//   every provider skipped or failed -> AllProvidersFailedError
//
// There is no in-provider retry here. A permanent error and a transient error
// both move on to the next provider; the caller decides whether to retry the
// whole request.
//
// ============================================================================

package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/travisdw72/onebarn-ai-sub006/internal/breaker"
	"github.com/travisdw72/onebarn-ai-sub006/internal/parser"
	"github.com/travisdw72/onebarn-ai-sub006/internal/provider"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

var tracer = otel.Tracer("orchestrator.failover")

// ErrNoEligibleProvider is the last error when every provider was skipped.
var ErrNoEligibleProvider = errors.New("no eligible provider")

// Outcome describes what happened to one provider during an Execute call.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeExcluded    Outcome = "excluded"
	OutcomeIneligible  Outcome = "ineligible"
)

// Attempt records one provider's part in an Execute call.
type Attempt struct {
	Provider  string
	Outcome   Outcome
	Permanent bool
	Err       error
	Duration  time.Duration
}

// AllProvidersFailedError is returned when no provider produced a payload.
type AllProvidersFailedError struct {
	Attempts []Attempt
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Outcome))
	}
	return fmt.Sprintf("all providers failed [%s]: %v", strings.Join(parts, ", "), e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}

// PermanentlyFailed lists providers that returned a permanent error during this call.
func (e *AllProvidersFailedError) PermanentlyFailed() []string {
	var out []string
	for _, a := range e.Attempts {
		if a.Outcome == OutcomeFailed && a.Permanent {
			out = append(out, a.Provider)
		}
	}
	return out
}

// Observer receives per-attempt notifications. Metrics implement it.
type Observer interface {
	ProviderCall(provider string, outcome Outcome, permanent bool, d time.Duration)
}

// Executor is the provider failover executor.
type Executor struct {
	registry  *provider.Registry
	breaker   *breaker.Breaker
	normalize func(string) types.AnalysisResult
	observer  Observer
	now       func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithObserver reports every provider attempt to o.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithNormalizer replaces parser.Normalize.
func WithNormalizer(fn func(string) types.AnalysisResult) Option {
	return func(e *Executor) { e.normalize = fn }
}

// New creates an executor over registry guarded by br.
func New(registry *provider.Registry, br *breaker.Breaker, opts ...Option) *Executor {
	e := &Executor{
		registry:  registry,
		breaker:   br,
		normalize: parser.Normalize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the analysis against providers in preference order.
func (e *Executor) Execute(ctx context.Context, image []byte, prompt string) (types.AnalysisResult, error) {
	return e.ExecuteExcluding(ctx, image, prompt, nil)
}

// ExecuteExcluding is Execute but never calls the providers named in skip.
//
// Parameters:
//   - skip: providers that already failed permanently for this request
//
// Returns:
//   - normalized result tagged with ProviderID and ModelID
//   - *AllProvidersFailedError when no provider produced a payload
func (e *Executor) ExecuteExcluding(ctx context.Context, image []byte, prompt string, skip map[string]bool) (types.AnalysisResult, error) {
	ctx, span := tracer.Start(ctx, "failover.Execute",
		trace.WithAttributes(attribute.Int("image.bytes", len(image))))
	defer span.End()

	failed := &AllProvidersFailedError{}
	for _, entry := range e.registry.Entries() {
		name := entry.Name

		switch {
		case !entry.Enabled || !entry.SupportsVision:
			failed.Attempts = append(failed.Attempts, Attempt{Provider: name, Outcome: OutcomeIneligible})
			continue
		case skip[name]:
			failed.Attempts = append(failed.Attempts, Attempt{Provider: name, Outcome: OutcomeExcluded})
			continue
		case !e.breaker.Allow(name):
			slog.Debug("Skipping provider with open circuit", "provider", name)
			failed.Attempts = append(failed.Attempts, Attempt{Provider: name, Outcome: OutcomeCircuitOpen})
			e.observe(name, OutcomeCircuitOpen, false, 0)
			continue
		}

		payload, elapsed, err := e.call(ctx, entry, image, prompt)
		if err == nil {
			e.breaker.RecordSuccess(name)
			e.observe(name, OutcomeSucceeded, false, elapsed)

			res := e.normalize(payload)
			res.ProviderID = name
			res.ModelID = entry.Model
			span.SetAttributes(attribute.String("provider.selected", name))
			span.SetStatus(codes.Ok, "")
			return res, nil
		}

		err = provider.Classify(name, err)
		permanent := provider.IsPermanent(err)
		e.breaker.RecordFailure(name)
		e.observe(name, OutcomeFailed, permanent, elapsed)
		slog.Warn("Provider call failed, trying next provider",
			"provider", name, "permanent", permanent, "error", err)

		failed.Attempts = append(failed.Attempts, Attempt{
			Provider: name, Outcome: OutcomeFailed, Permanent: permanent, Err: err, Duration: elapsed,
		})
		failed.LastErr = err
	}

	if failed.LastErr == nil {
		failed.LastErr = ErrNoEligibleProvider
	}
	span.RecordError(failed)
	span.SetStatus(codes.Error, "all providers failed")
	return types.AnalysisResult{}, failed
}

// call performs one provider call inside its own span.
func (e *Executor) call(ctx context.Context, entry provider.Entry, image []byte, prompt string) (string, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "failover.ProviderCall",
		trace.WithAttributes(
			attribute.String("provider.name", entry.Name),
			attribute.String("provider.model", entry.Model),
		))
	defer span.End()

	start := e.now()
	payload, err := entry.Analyzer.Analyze(ctx, image, prompt)
	elapsed := e.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", elapsed, err
	}
	span.SetStatus(codes.Ok, "")
	return payload, elapsed, nil
}

func (e *Executor) observe(name string, outcome Outcome, permanent bool, d time.Duration) {
	if e.observer != nil {
		e.observer.ProviderCall(name, outcome, permanent, d)
	}
}
