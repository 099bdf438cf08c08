package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// textSummaryLimit bounds the summary derived from free text.
const textSummaryLimit = 280

// ============================================================================
// Rich clinical payload
// ============================================================================

type richPayload struct {
	Detection struct {
		Detected        flexBool  `json:"detected"`
		SubjectDetected flexBool  `json:"subject_detected"`
		HorseDetected   flexBool  `json:"horse_detected"`
		Confidence      flexFloat `json:"confidence"`
	} `json:"detection"`

	HealthAssessment struct {
		OverallHealth      string    `json:"overall_health"`
		BodyConditionScore flexFloat `json:"body_condition_score"`
		LamenessScore      flexFloat `json:"lameness_score"`
		Posture            string    `json:"posture"`
		Gait               string    `json:"gait"`
		HealthScore        flexFloat `json:"health_score"`
	} `json:"health_assessment"`

	// some providers nest the same fields under clinical_assessment
	ClinicalAssessment struct {
		OverallHealth string      `json:"overall_health"`
		Posture       string      `json:"posture"`
		Gait          string      `json:"gait"`
		Findings      flexStrings `json:"findings"`
	} `json:"clinical_assessment"`

	BehaviorAssessment struct {
		ActivityLevel string      `json:"activity_level"`
		Activity      string      `json:"activity"`
		Alertness     string      `json:"alertness"`
		DistressSigns flexStrings `json:"distress_signs"`
		BehaviorScore flexFloat   `json:"behavior_score"`
	} `json:"behavior_assessment"`

	RiskAssessment struct {
		OverallRiskLevel string      `json:"overall_risk_level"`
		RiskLevel        string      `json:"risk_level"`
		RiskScore        flexFloat   `json:"risk_score"`
		RiskFactors      flexStrings `json:"risk_factors"`
	} `json:"risk_assessment"`

	Recommendations flexStrings `json:"recommendations"`
	Summary         string      `json:"summary"`

	SequenceInsights struct {
		NewBehaviorPatterns flexStrings `json:"new_behavior_patterns"`
		HealthTrends        flexStrings `json:"health_trends"`
		MovementProgression flexStrings `json:"movement_progression"`
		RiskFactors         flexStrings `json:"risk_factors"`
		ConsistentFindings  flexStrings `json:"consistent_findings"`
	} `json:"sequence_insights"`
}

func (p *richPayload) shape() types.ResponseShape { return types.ShapeRich }

func (p *richPayload) toResult() types.AnalysisResult {
	d := p.Detection
	detected := d.Detected.Value || d.SubjectDetected.Value || d.HorseDetected.Value

	h := p.HealthAssessment
	overall := firstNonEmpty(h.OverallHealth, p.ClinicalAssessment.OverallHealth)
	posture := firstNonEmpty(h.Posture, p.ClinicalAssessment.Posture)
	gait := firstNonEmpty(h.Gait, p.ClinicalAssessment.Gait)

	b := p.BehaviorAssessment
	r := p.RiskAssessment
	level := ParseRiskLevel(firstNonEmpty(r.OverallRiskLevel, r.RiskLevel))

	confidence := d.Confidence.Value
	if !d.Confidence.Set && detected {
		// structured answer without a stated confidence
		confidence = 0.7
	}

	s := p.SequenceInsights
	return types.AnalysisResult{
		Detected:   detected,
		Confidence: confidence,
		Health: types.HealthAssessment{
			Overall:       overall,
			BodyCondition: h.BodyConditionScore.Value,
			Lameness:      h.LamenessScore.Value,
			Posture:       posture,
			Gait:          gait,
			Score:         h.HealthScore.Value,
		},
		Behavior: types.BehaviorAssessment{
			Activity:      firstNonEmpty(b.ActivityLevel, b.Activity),
			Alertness:     b.Alertness,
			DistressSigns: []string(b.DistressSigns),
			Score:         b.BehaviorScore.Value,
		},
		RiskLevel:       level,
		RiskScore:       r.RiskScore.Value,
		RiskFactors:     []string(r.RiskFactors),
		Recommendations: []string(p.Recommendations),
		Summary:         firstNonEmpty(p.Summary, strings.Join(p.ClinicalAssessment.Findings, "; ")),
		StepInsights: types.InsightBuckets{
			BehaviorPatterns:    []string(s.NewBehaviorPatterns),
			HealthTrends:        []string(s.HealthTrends),
			MovementProgression: []string(s.MovementProgression),
			RiskFactors:         []string(s.RiskFactors),
			ConsistentFindings:  []string(s.ConsistentFindings),
		},
		Shape: types.ShapeRich,
	}
}

// ============================================================================
// Legacy flat payload
// ============================================================================

type legacyPayload struct {
	Detected        flexBool    `json:"detected"`
	HorseDetected   flexBool    `json:"horse_detected"`
	SubjectDetected flexBool    `json:"subject_detected"`
	Confidence      flexFloat   `json:"confidence"`
	HealthStatus    string      `json:"health_status"`
	Behavior        string      `json:"behavior"`
	Activity        string      `json:"activity"`
	Alertness       string      `json:"alertness"`
	Posture         string      `json:"posture"`
	Gait            string      `json:"gait"`
	BodyCondition   flexFloat   `json:"body_condition"`
	Lameness        flexFloat   `json:"lameness"`
	RiskLevel       string      `json:"risk_level"`
	RiskScore       flexFloat   `json:"risk_score"`
	Alerts          flexStrings `json:"alerts"`
	Concerns        flexStrings `json:"concerns"`
	Recommendations flexStrings `json:"recommendations"`
	Summary         string      `json:"summary"`
	Description     string      `json:"description"`
}

func (p *legacyPayload) shape() types.ResponseShape { return types.ShapeLegacy }

func (p *legacyPayload) toResult() types.AnalysisResult {
	factors := append([]string{}, p.Alerts...)
	factors = append(factors, p.Concerns...)

	level := ParseRiskLevel(p.RiskLevel)
	if level == types.RiskUnknown && !p.RiskScore.Set && len(factors) > 0 {
		level = types.RiskModerate
	}

	return types.AnalysisResult{
		Detected:   p.Detected.Value || p.HorseDetected.Value || p.SubjectDetected.Value,
		Confidence: p.Confidence.Value,
		Health: types.HealthAssessment{
			Overall:       p.HealthStatus,
			BodyCondition: p.BodyCondition.Value,
			Lameness:      p.Lameness.Value,
			Posture:       p.Posture,
			Gait:          p.Gait,
		},
		Behavior: types.BehaviorAssessment{
			Activity:  firstNonEmpty(p.Activity, p.Behavior),
			Alertness: p.Alertness,
		},
		RiskLevel:       level,
		RiskScore:       p.RiskScore.Value,
		RiskFactors:     factors,
		Recommendations: []string(p.Recommendations),
		Summary:         firstNonEmpty(p.Summary, p.Description),
		Shape:           types.ShapeLegacy,
	}
}

// ============================================================================
// Free text
// ============================================================================

type textPayload struct {
	text string
}

var (
	detectWords   = []string{"horse", "animal", "mare", "gelding", "stallion", "foal", "pony"}
	negationWords = []string{"no horse", "not detected", "no animal", "cannot see", "can't see", "unable to"}
	concernWords  = []string{"lame", "limp", "injur", "wound", "colic", "distress", "swelling", "abnormal"}
	urgentWords   = []string{"emergency", "immediately", "urgent", "critical"}
)

func (p *textPayload) shape() types.ResponseShape { return types.ShapeText }

func (p *textPayload) toResult() types.AnalysisResult {
	lower := strings.ToLower(p.text)

	detected := containsAny(lower, detectWords) && !containsAny(lower, negationWords)
	confidence := 0.1
	if detected {
		confidence = 0.3
	}

	var factors []string
	for _, w := range concernWords {
		if strings.Contains(lower, w) {
			factors = append(factors, "mentions "+w)
		}
	}

	level := types.RiskLow
	switch {
	case containsAny(lower, urgentWords):
		level = types.RiskHigh
	case len(factors) > 0:
		level = types.RiskModerate
	case !detected:
		level = types.RiskUnknown
	}

	overall := ""
	switch {
	case len(factors) > 0:
		overall = "fair"
	case strings.Contains(lower, "healthy") || strings.Contains(lower, "good condition"):
		overall = "good"
	}

	return types.AnalysisResult{
		Detected:    detected,
		Confidence:  confidence,
		Health:      types.HealthAssessment{Overall: overall},
		RiskLevel:   level,
		RiskFactors: factors,
		Summary:     truncate(p.text, textSummaryLimit),
		Shape:       types.ShapeText,
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
