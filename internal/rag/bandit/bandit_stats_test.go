package bandit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartrag/internal/rag/types"
)

// TestThompsonSampling_PrefersArmWithStrongerPosterior is a statistical
// property test: once one arm's posterior is driven well above another's
// through repeated positive/negative updates, Sample should pick it in a
// clear majority of draws. This is inherently probabilistic, so the
// assertion uses a wide margin rather than an exact frequency.
func TestThompsonSampling_PrefersArmWithStrongerPosterior(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{
		StatePath:        filepath.Join(dir, "state.json"),
		DefaultStatePath: filepath.Join(dir, "default.json"),
	}, WithSeed(42))

	for i := 0; i < 40; i++ {
		require.NoError(t, b.Update(types.ArmHybrid, 0.95))
		require.NoError(t, b.Update(types.ArmGraph, 0.05))
	}

	arms := []types.ArmName{types.ArmHybrid, types.ArmGraph}
	hybridWins := 0
	const draws = 500
	for i := 0; i < draws; i++ {
		if b.Sample(arms) == types.ArmHybrid {
			hybridWins++
		}
	}

	assert.Greaterf(t, hybridWins, draws*3/4,
		"expected the strongly-rewarded arm to win a clear majority of draws, got %d/%d", hybridWins, draws)
}

// TestPosteriorMean_ConvergesTowardObservedRewardRate checks that the
// Beta posterior mean tracks the empirical reward rate as evidence
// accumulates, within a tolerance appropriate for a stochastic estimator.
func TestPosteriorMean_ConvergesTowardObservedRewardRate(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{
		StatePath:        filepath.Join(dir, "state.json"),
		DefaultStatePath: filepath.Join(dir, "default.json"),
	})

	const trueRate = 0.8
	const trials = 200
	successes := 0
	for i := 0; i < trials; i++ {
		reward := 0.0
		if i%5 != 0 { // 4 of every 5 trials reward 1.0, matching trueRate
			reward = 1.0
			successes++
		}
		require.NoError(t, b.Update(types.ArmTable, reward))
	}

	mean := b.Snapshot()[types.ArmTable].Mean()
	empirical := float64(successes) / float64(trials)
	assert.InDeltaf(t, empirical, mean, 0.05,
		"expected posterior mean %v to track empirical rate %v within tolerance", mean, empirical)
}
