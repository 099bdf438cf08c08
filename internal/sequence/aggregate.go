package sequence

import (
	"fmt"
	"time"

	"github.com/travisdw72/onebarn-ai-sub006/internal/parser"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// AggregateRisk maps the accumulated risk-factor count onto a level.
// More factors never lower the level.
//
//	0      low
//	1-2    moderate
//	3-5    high
//	6+     critical
func AggregateRisk(riskFactors int) types.RiskLevel {
	switch {
	case riskFactors >= 6:
		return types.RiskCritical
	case riskFactors >= 3:
		return types.RiskHigh
	case riskFactors >= 1:
		return types.RiskModerate
	}
	return types.RiskLow
}

// Aggregate folds a finished context into one result.
func Aggregate(sc *types.SequenceLearningContext, now time.Time) types.AnalysisResult {
	ins := sc.CumulativeInsights
	successful := sc.SuccessfulSteps()

	res := types.AnalysisResult{
		ID:              sc.SequenceID,
		Shape:           types.ShapeSequence,
		RiskFactors:     append([]string{}, ins.RiskFactors...),
		Recommendations: []string{},
		StepInsights:    copyBuckets(ins),
		CreatedAt:       now,
		Health:          types.HealthAssessment{Overall: "unknown", Posture: "unknown", Gait: "unknown"},
		Behavior: types.BehaviorAssessment{
			Activity:      "unknown",
			Alertness:     "unknown",
			DistressSigns: []string{},
		},
	}
	if sc.TotalSteps > 0 {
		res.Confidence = float64(successful) / float64(sc.TotalSteps)
	}

	summary := &types.SequenceSummary{
		SequenceID:      sc.SequenceID,
		TotalSteps:      sc.TotalSteps,
		SuccessfulSteps: successful,
		FailedSteps:     []int{},
		InsightCounts: map[string]int{
			"behavior_patterns":    len(ins.BehaviorPatterns),
			"health_trends":        len(ins.HealthTrends),
			"movement_progression": len(ins.MovementProgression),
			"risk_factors":         len(ins.RiskFactors),
			"consistent_findings":  len(ins.ConsistentFindings),
		},
	}

	seenRec := make(map[string]bool)
	var healthSum, behaviorSum float64
	for _, step := range sc.History {
		if !step.Success || step.Result == nil {
			summary.FailedSteps = append(summary.FailedSteps, step.Index)
			continue
		}
		r := step.Result
		res.Detected = res.Detected || r.Detected
		healthSum += r.Health.Score
		behaviorSum += r.Behavior.Score
		for _, rec := range r.Recommendations {
			if !seenRec[rec] {
				seenRec[rec] = true
				res.Recommendations = append(res.Recommendations, rec)
			}
		}
		// latest successful step wins for categorical fields
		res.Health.Overall = r.Health.Overall
		res.Health.Posture = r.Health.Posture
		res.Health.Gait = r.Health.Gait
		res.Health.BodyCondition = r.Health.BodyCondition
		res.Health.Lameness = r.Health.Lameness
		res.Behavior.Activity = r.Behavior.Activity
		res.Behavior.Alertness = r.Behavior.Alertness
		res.Behavior.DistressSigns = append(res.Behavior.DistressSigns, r.Behavior.DistressSigns...)
		res.ProviderID = r.ProviderID
		res.ModelID = r.ModelID
	}
	if successful > 0 {
		res.Health.Score = healthSum / float64(successful)
		res.Behavior.Score = behaviorSum / float64(successful)
	}

	if successful == 0 {
		res.RiskLevel = types.RiskUnknown
	} else {
		res.RiskLevel = AggregateRisk(len(ins.RiskFactors))
		res.RiskScore = parser.RiskScore(res.RiskLevel)
	}

	res.Sequence = summary
	res.Summary = fmt.Sprintf("sequence of %d photos: %d analyzed, %d behavior patterns, %d health trends, "+
		"%d movement notes, %d risk factors, %d consistent findings; aggregate risk %s",
		sc.TotalSteps, successful,
		len(ins.BehaviorPatterns), len(ins.HealthTrends), len(ins.MovementProgression),
		len(ins.RiskFactors), len(ins.ConsistentFindings), res.RiskLevel)
	return res
}

func copyBuckets(b types.InsightBuckets) types.InsightBuckets {
	return types.InsightBuckets{
		BehaviorPatterns:    append([]string{}, b.BehaviorPatterns...),
		HealthTrends:        append([]string{}, b.HealthTrends...),
		MovementProgression: append([]string{}, b.MovementProgression...),
		RiskFactors:         append([]string{}, b.RiskFactors...),
		ConsistentFindings:  append([]string{}, b.ConsistentFindings...),
	}
}
