package engine

import "vintrack/internal/domain"

// ComplianceScore computes the weighted 0-100 score from the execution's
// counters. Terms with a zero denominator contribute in full: a fresh
// execution, or one with no critical steps, is not penalized for them.
//
//	50% critical steps not skipped
//	40% completed steps within measurement tolerance
//	10% completed steps on time
func ComplianceScore(criticalSkipped, totalCritical, withinTolerance, onTime, completed int) float64 {
	critical := 1.0
	if totalCritical > 0 {
		critical = 1 - float64(criticalSkipped)/float64(totalCritical)
	}
	tolerance := 1.0
	timing := 1.0
	if completed > 0 {
		tolerance = float64(withinTolerance) / float64(completed)
		timing = float64(onTime) / float64(completed)
	}
	score := 50*critical + 40*tolerance + 10*timing
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RecomputeScore derives the score from an execution's stored counters.
func RecomputeScore(e domain.Execution, totalCritical int) float64 {
	return ComplianceScore(e.CriticalSkipped, totalCritical, e.WithinTolerance, e.OnTimeSteps, e.CompletedSteps)
}
