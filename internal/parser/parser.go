// ============================================================================
// Analysis Result Parser - provider response normalization
// ============================================================================
//
// Package: internal/parser
// File: parser.go
// Purpose: Maps heterogeneous provider payloads onto one canonical AnalysisResult
//
// Response variants (tagged union):
//
//   richPayload   - nested clinical payload: detection / health_assessment /
//                   behavior_assessment / risk_assessment / sequence_insights
//   legacyPayload - flat payload: detected, confidence, health_status, risk_level, alerts
//   textPayload   - free text, mapped by keyword heuristics at low confidence
//
// Decoding order:
//   1. empty payload                       -> ParseError -> fallback result
//   2. extract JSON object (code fences ok) -> none found -> textPayload
//   3. malformed JSON object               -> ParseError -> fallback result
//   4. sniff keys (camelCase folded to snake_case) -> rich | legacy
//   5. object with no known keys           -> ParseError -> fallback result
//
// Normalize is total: it never returns an error and every field of the
// returned result has an explicit value.
//
// ============================================================================

package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

const unknown = "unknown"

// ParseError describes why a payload could not be decoded into a structured variant.
// It never escapes Normalize.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Reason, e.Err)
	}
	return "parse: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// variant is one known provider response shape.
type variant interface {
	shape() types.ResponseShape
	toResult() types.AnalysisResult
}

var richKeys = []string{
	"detection", "health_assessment", "behavior_assessment", "risk_assessment",
	"clinical_assessment", "sequence_insights",
}

var legacyKeys = []string{
	"detected", "horse_detected", "subject_detected", "confidence", "health_status",
	"risk_level", "behavior", "alerts",
}

// Normalize converts a raw provider payload into a canonical result. Never fails.
func Normalize(raw string) types.AnalysisResult {
	v, err := decode(raw)
	var res types.AnalysisResult
	if err != nil {
		slog.Debug("Provider payload not decodable, using fallback", "error", err)
		res = fallback(err.Error())
	} else {
		slog.Debug("Provider payload decoded", "shape", v.shape())
		res = v.toResult()
	}
	res.Raw = raw
	res.CreatedAt = time.Now().UTC()
	return finalize(res)
}

// decode selects the response variant for raw.
func decode(raw string) (variant, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Reason: "empty payload"}
	}

	candidate, ok := extractJSON(trimmed)
	if !ok {
		return &textPayload{text: trimmed}, nil
	}

	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &generic); err != nil {
		return nil, &ParseError{Reason: "malformed JSON", Err: err}
	}
	folded, _ := snakeKeys(generic).(map[string]interface{})
	normalized, err := json.Marshal(folded)
	if err != nil {
		return nil, &ParseError{Reason: "re-encode", Err: err}
	}

	switch {
	case hasAny(folded, richKeys):
		var p richPayload
		if err := json.Unmarshal(normalized, &p); err != nil {
			return nil, &ParseError{Reason: "rich payload", Err: err}
		}
		return &p, nil
	case hasAny(folded, legacyKeys):
		var p legacyPayload
		if err := json.Unmarshal(normalized, &p); err != nil {
			return nil, &ParseError{Reason: "legacy payload", Err: err}
		}
		return &p, nil
	}
	return nil, &ParseError{Reason: "unrecognized response shape"}
}

// extractJSON returns the outermost {...} object in s, stripping markdown fences.
// It reports false when s contains no opening brace.
func extractJSON(s string) (string, bool) {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		// an opening brace with no close is a truncated object, not prose
		return s[start:], true
	}
	return s[start : end+1], true
}

func hasAny(m map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// fallback is the honest low-confidence placeholder.
func fallback(reason string) types.AnalysisResult {
	return types.AnalysisResult{
		Detected:   false,
		Confidence: 0,
		RiskLevel:  types.RiskUnknown,
		Summary:    "analysis unavailable: " + reason,
		Shape:      types.ShapeFallback,
	}
}

// finalize fills every unset field with its explicit default and clamps ranges.
func finalize(r types.AnalysisResult) types.AnalysisResult {
	r.Confidence = clamp01(r.Confidence)
	r.RiskScore = clamp01(r.RiskScore)

	r.Health.Overall = orUnknown(strings.ToLower(r.Health.Overall))
	r.Health.Posture = orUnknown(r.Health.Posture)
	r.Health.Gait = orUnknown(r.Health.Gait)
	if r.Health.Score == 0 {
		r.Health.Score = healthScore(r.Health.Overall)
	}
	r.Health.Score = clamp01(r.Health.Score)

	r.Behavior.Activity = orUnknown(strings.ToLower(r.Behavior.Activity))
	r.Behavior.Alertness = orUnknown(strings.ToLower(r.Behavior.Alertness))
	r.Behavior.DistressSigns = nonNil(r.Behavior.DistressSigns)
	if r.Behavior.Score == 0 {
		r.Behavior.Score = behaviorScore(r.Behavior)
	}
	r.Behavior.Score = clamp01(r.Behavior.Score)

	r.RiskFactors = nonNil(r.RiskFactors)
	r.Recommendations = nonNil(r.Recommendations)
	r.StepInsights.BehaviorPatterns = nonNil(r.StepInsights.BehaviorPatterns)
	r.StepInsights.HealthTrends = nonNil(r.StepInsights.HealthTrends)
	r.StepInsights.MovementProgression = nonNil(r.StepInsights.MovementProgression)
	r.StepInsights.RiskFactors = nonNil(r.StepInsights.RiskFactors)
	r.StepInsights.ConsistentFindings = nonNil(r.StepInsights.ConsistentFindings)

	if r.RiskLevel == "" {
		r.RiskLevel = types.RiskUnknown
	}
	if r.RiskScore == 0 && r.RiskLevel != types.RiskUnknown {
		r.RiskScore = RiskScore(r.RiskLevel)
	}
	if r.RiskLevel == types.RiskUnknown && r.RiskScore > 0 {
		r.RiskLevel = riskLevelFromScore(r.RiskScore)
	}
	if r.Shape == "" {
		r.Shape = types.ShapeFallback
	}
	return r
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return strings.TrimSpace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clamp01(v float64) float64 {
	// values on a 0..100 scale are percentages
	if v > 1 && v <= 100 {
		v /= 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func healthScore(overall string) float64 {
	switch overall {
	case "excellent", "good", "healthy", "normal":
		return 0.9
	case "fair", "moderate", "monitor":
		return 0.6
	case "poor", "concerning", "critical", "unhealthy":
		return 0.3
	}
	return 0.5
}

func behaviorScore(b types.BehaviorAssessment) float64 {
	score := 1.0 - 0.2*float64(len(b.DistressSigns))
	if b.Alertness == "agitated" || b.Alertness == "distressed" {
		score -= 0.2
	}
	if score < 0.1 {
		score = 0.1
	}
	return score
}

// ParseRiskLevel maps free-form risk words onto the canonical levels.
func ParseRiskLevel(s string) types.RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "minimal", "none", "normal":
		return types.RiskLow
	case "moderate", "medium", "elevated":
		return types.RiskModerate
	case "high", "severe":
		return types.RiskHigh
	case "critical", "emergency", "urgent":
		return types.RiskCritical
	}
	return types.RiskUnknown
}

// RiskScore is the nominal score of a risk level. Unknown scores 0.
func RiskScore(level types.RiskLevel) float64 {
	switch level {
	case types.RiskLow:
		return 0.15
	case types.RiskModerate:
		return 0.45
	case types.RiskHigh:
		return 0.75
	case types.RiskCritical:
		return 0.95
	}
	return 0
}

func riskLevelFromScore(score float64) types.RiskLevel {
	switch {
	case score >= 0.85:
		return types.RiskCritical
	case score >= 0.6:
		return types.RiskHigh
	case score >= 0.3:
		return types.RiskModerate
	}
	return types.RiskLow
}
