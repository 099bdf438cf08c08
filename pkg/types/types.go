// Package types defines the core domain model shared by the analysis orchestration engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// RequestID uniquely identifies one analysis request.
type RequestID string

// Priority is the scheduling priority of an analysis request.
type Priority string

const (
	PriorityUrgent Priority = "urgent" // bypasses queue and rate limit
	PriorityHigh   Priority = "high"   // immediate when nothing is in flight
	PriorityMedium Priority = "medium" // default
	PriorityLow    Priority = "low"    // background / bulk work
)

// Rank orders priorities: higher rank dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ParsePriority parses a case-insensitive priority name. An empty string yields medium.
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// RequestStatus is the lifecycle state of a request inside the scheduler.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"     // waiting in the priority queue
	StatusDispatched RequestStatus = "dispatched" // provider call in progress
	StatusCompleted  RequestStatus = "completed"  // result delivered
	StatusFailed     RequestStatus = "failed"     // error delivered
	StatusEvicted    RequestStatus = "evicted"    // dropped by queue overflow, caller notified
)

// RequestContext carries the caller-supplied attributes of a submission.
type RequestContext struct {
	Priority   Priority `json:"priority"`
	Source     string   `json:"source,omitempty"`      // capture source tag, e.g. "camera-3"
	SequenceID string   `json:"sequence_id,omitempty"` // set when part of a multi-photo sequence
	StepIndex  int      `json:"step_index,omitempty"`  // step within the sequence
	// Continuous marks a request that belongs to a continuous-monitoring stream.
	Continuous bool   `json:"continuous,omitempty"`
	Prompt     string `json:"prompt,omitempty"` // overrides the default analysis prompt
}

// RiskLevel is the categorical risk assessment.
type RiskLevel string

const (
	RiskUnknown  RiskLevel = "unknown"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Severity orders risk levels; unknown sorts lowest.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskLow:
		return 1
	case RiskModerate:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// ResponseShape records which provider response variant a result was derived from.
type ResponseShape string

const (
	ShapeRich     ResponseShape = "rich"     // nested clinical payload
	ShapeLegacy   ResponseShape = "legacy"   // flat key/value payload
	ShapeText     ResponseShape = "text"     // free text, keyword heuristics
	ShapeFallback ResponseShape = "fallback" // empty or malformed, placeholder result
	ShapeSequence ResponseShape = "sequence" // aggregate of a sequential-learning run
)

// Structured reports whether the shape came from a well-formed JSON payload.
func (s ResponseShape) Structured() bool {
	return s == ShapeRich || s == ShapeLegacy
}

// HealthAssessment holds the categorical health fields and numeric sub-scores.
type HealthAssessment struct {
	Overall       string  `json:"overall"`        // good | fair | poor | unknown
	BodyCondition float64 `json:"body_condition"` // 0..9 scale, 0 when unknown
	Lameness      float64 `json:"lameness"`       // 0..5 scale
	Posture       string  `json:"posture"`
	Gait          string  `json:"gait"`
	Score         float64 `json:"score"` // 0..1, higher is healthier
}

// BehaviorAssessment holds the categorical behavior fields.
type BehaviorAssessment struct {
	Activity      string   `json:"activity"`  // resting | grazing | moving | lying | unknown
	Alertness     string   `json:"alertness"` // alert | dull | agitated | unknown
	DistressSigns []string `json:"distress_signs"`
	Score         float64  `json:"score"` // 0..1, higher is calmer
}

// InsightBuckets are the categorized findings accumulated across a sequence.
type InsightBuckets struct {
	BehaviorPatterns    []string `json:"behavior_patterns"`
	HealthTrends        []string `json:"health_trends"`
	MovementProgression []string `json:"movement_progression"`
	RiskFactors         []string `json:"risk_factors"`
	ConsistentFindings  []string `json:"consistent_findings"`
}

// Merge appends every bucket of other onto b without deduplication.
func (b *InsightBuckets) Merge(other InsightBuckets) {
	b.BehaviorPatterns = append(b.BehaviorPatterns, other.BehaviorPatterns...)
	b.HealthTrends = append(b.HealthTrends, other.HealthTrends...)
	b.MovementProgression = append(b.MovementProgression, other.MovementProgression...)
	b.RiskFactors = append(b.RiskFactors, other.RiskFactors...)
	b.ConsistentFindings = append(b.ConsistentFindings, other.ConsistentFindings...)
}

// Empty reports whether no bucket holds anything.
func (b InsightBuckets) Empty() bool {
	return len(b.BehaviorPatterns) == 0 && len(b.HealthTrends) == 0 &&
		len(b.MovementProgression) == 0 && len(b.RiskFactors) == 0 &&
		len(b.ConsistentFindings) == 0
}

// SequenceSummary is attached to the aggregate result of a sequence.
type SequenceSummary struct {
	SequenceID      string         `json:"sequence_id"`
	TotalSteps      int            `json:"total_steps"`
	SuccessfulSteps int            `json:"successful_steps"`
	FailedSteps     []int          `json:"failed_steps"`
	InsightCounts   map[string]int `json:"insight_counts"`
}

// AnalysisResult is the canonical, provider-independent output of one analysis.
// Produced once and never mutated after it leaves the engine.
type AnalysisResult struct {
	ID              string             `json:"id"`
	Detected        bool               `json:"detected"`
	Confidence      float64            `json:"confidence"` // [0,1]
	Health          HealthAssessment   `json:"health"`
	Behavior        BehaviorAssessment `json:"behavior"`
	RiskLevel       RiskLevel          `json:"risk_level"`
	RiskScore       float64            `json:"risk_score"` // [0,1]
	RiskFactors     []string           `json:"risk_factors"`
	Recommendations []string           `json:"recommendations"`
	Summary         string             `json:"summary"`
	// StepInsights carries newly reported patterns when the response came from a sequence step.
	StepInsights InsightBuckets   `json:"step_insights"`
	Sequence     *SequenceSummary `json:"sequence,omitempty"`
	Shape        ResponseShape    `json:"shape"`
	ProviderID   string           `json:"provider_id,omitempty"`
	ModelID      string           `json:"model_id,omitempty"`
	Raw          string           `json:"raw"` // raw provider payload, kept for audit
	CreatedAt    time.Time        `json:"created_at"`
}

// StepOutcome records one step of a sequential-learning run.
type StepOutcome struct {
	Index      int             `json:"index"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Result     *AnalysisResult `json:"result,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// SequenceLearningContext is the cumulative state threaded through a sequence.
// Checkpointed after every step and discarded once the aggregate is persisted.
type SequenceLearningContext struct {
	SequenceID         string         `json:"sequence_id"`
	SubjectID          string         `json:"subject_id,omitempty"`
	Source             string         `json:"source,omitempty"`
	TotalSteps         int            `json:"total_steps"`
	History            []StepOutcome  `json:"history"`
	CumulativeInsights InsightBuckets `json:"cumulative_insights"`
	StartedAt          time.Time      `json:"started_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Finished           bool           `json:"finished"`
	SchemaVer          int            `json:"schema_ver"`
}

// SuccessfulSteps counts the history entries that succeeded.
func (c *SequenceLearningContext) SuccessfulSteps() int {
	n := 0
	for _, h := range c.History {
		if h.Success {
			n++
		}
	}
	return n
}

// LastSuccessful returns the most recent successful step, or nil.
func (c *SequenceLearningContext) LastSuccessful() *StepOutcome {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Success {
			return &c.History[i]
		}
	}
	return nil
}
