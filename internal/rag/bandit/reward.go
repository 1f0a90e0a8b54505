package bandit

// Reward computes the bounded-[0,1] automatic reward from confidence,
// citation coverage, and observed latency against a configured budget.
// Kept as a pure, inline function so it is trivially unit-testable.
func Reward(confidence float64, citations int, latencyMS int64, budgetMS int) float64 {
	coverage := 0.0
	if citations >= 1 {
		coverage = 1.0
	}
	latencyTerm := 0.0
	if budgetMS > 0 {
		latencyTerm = 1 - float64(latencyMS)/float64(budgetMS)
		if latencyTerm < 0 {
			latencyTerm = 0
		}
	}
	r := 0.4*confidence + 0.3*coverage + 0.3*latencyTerm
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return r
}

// FinalReward blends an explicit user rating with the automatic reward
// already recorded for a query, per the additive-correction policy: the
// earlier automatic update is not rolled back.
func FinalReward(userRating, autoReward float64) float64 {
	r := 0.7*userRating + 0.3*autoReward
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return r
}
