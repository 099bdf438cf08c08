package sequence

import (
	"fmt"
	"strings"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// maxBucketItems caps how many entries of one bucket are rendered into a prompt.
const maxBucketItems = 8

const responseContract = `Include a "sequence_insights" object with string arrays ` +
	`"new_behavior_patterns", "health_trends", "movement_progression", "risk_factors" ` +
	`and "consistent_findings" listing what this photo adds.`

// RenderPrompt builds the prompt for step i of sc.
//
// Step 0 frames the photo as the baseline. Later steps get the cumulative
// insights and the findings of the immediately preceding step so the provider
// reports change rather than repeating a full assessment. When that step
// failed the prompt says so and falls back to the latest successful one.
func RenderPrompt(basePrompt string, sc *types.SequenceLearningContext, i int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(basePrompt))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "SEQUENCE CONTEXT: photo %d of %d in a time-ordered sequence of the same subject.\n", i+1, sc.TotalSteps)

	if i == 0 {
		b.WriteString("This is the BASELINE photo. Record posture, gait, movement, behavior and visible " +
			"health indicators as the reference later photos will be compared against.\n")
		b.WriteString(responseContract)
		return b.String()
	}

	b.WriteString("Compare this photo with the earlier observations below and report what changed, " +
		"what persisted and any new concern.\n")

	if n := len(sc.History); n > 0 && !sc.History[n-1].Success {
		fmt.Fprintf(&b, "\nPhoto %d could not be analyzed, so it adds no findings.\n", sc.History[n-1].Index+1)
	}

	if prev := sc.LastSuccessful(); prev != nil && prev.Result != nil {
		r := prev.Result
		label := "Previous findings"
		if prev.Index != i-1 {
			label = "Last available findings"
		}
		fmt.Fprintf(&b, "\n%s (photo %d): %s\n", label, prev.Index+1, r.Summary)
		fmt.Fprintf(&b, "  risk: %s", r.RiskLevel)
		if len(r.RiskFactors) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(clip(r.RiskFactors), "; "))
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  health: %s, posture: %s, gait: %s\n", r.Health.Overall, r.Health.Posture, r.Health.Gait)
		fmt.Fprintf(&b, "  behavior: %s, %s\n", r.Behavior.Activity, r.Behavior.Alertness)
	} else {
		b.WriteString("\nPrevious findings: none usable yet; treat this photo as the baseline.\n")
	}

	if ins := sc.CumulativeInsights; !ins.Empty() {
		b.WriteString("\nCumulative insights so far:\n")
		writeBucket(&b, "behavior patterns", ins.BehaviorPatterns)
		writeBucket(&b, "health trends", ins.HealthTrends)
		writeBucket(&b, "movement progression", ins.MovementProgression)
		writeBucket(&b, "risk factors", ins.RiskFactors)
		writeBucket(&b, "consistent findings", ins.ConsistentFindings)
	}

	b.WriteString("\n")
	b.WriteString(responseContract)
	return b.String()
}

func writeBucket(b *strings.Builder, name string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", name, strings.Join(clip(items), "; "))
}

// clip keeps the most recent maxBucketItems entries.
func clip(items []string) []string {
	if len(items) <= maxBucketItems {
		return items
	}
	return items[len(items)-maxBucketItems:]
}
