package scheduler

import (
	"time"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

const (
	// lowSuccessThreshold doubles the interval below this rolling success rate.
	lowSuccessThreshold = 0.5
	// maxBackoffFactor caps the consecutive-dispatch scaling.
	maxBackoffFactor = 3.0
	// continuousHoldAfter is the dispatch count after which continuous medium
	// streams stop scaling.
	continuousHoldAfter = 3

	successNudge = 0.1
	failureNudge = 0.2
	minSuccess   = 0.1
	maxSuccess   = 1.0
)

// RequiredInterval is the minimum spacing before a non-immediate request may dispatch.
//
// Parameters:
//   - base: configured base interval
//   - p: request priority (high x0.5, medium x1, low x2; urgent is never limited)
//   - successRate: rolling success rate; below 0.5 doubles the interval
//   - consecutive: dispatches since the last idle reset; scales by 1+0.1n up to x3
//   - continuous: continuous-monitoring stream; medium streams hold the interval
//     constant once more than 3 consecutive dispatches have happened
func RequiredInterval(base time.Duration, p types.Priority, successRate float64, consecutive int, continuous bool) time.Duration {
	var mult float64
	switch p {
	case types.PriorityUrgent:
		return 0
	case types.PriorityHigh:
		mult = 0.5
	case types.PriorityMedium:
		mult = 1
	default:
		mult = 2
	}

	if successRate < lowSuccessThreshold {
		mult *= 2
	}

	hold := continuous && p == types.PriorityMedium && consecutive > continuousHoldAfter
	if !hold {
		factor := 1 + 0.1*float64(consecutive)
		if factor > maxBackoffFactor {
			factor = maxBackoffFactor
		}
		mult *= factor
	}

	return time.Duration(float64(base) * mult)
}

// nudgeSuccessRate moves rate toward 1.0 on success and toward 0.1 on failure.
func nudgeSuccessRate(rate float64, ok bool) float64 {
	if ok {
		rate += successNudge
	} else {
		rate -= failureNudge
	}
	if rate > maxSuccess {
		return maxSuccess
	}
	if rate < minSuccess {
		return minSuccess
	}
	return rate
}
