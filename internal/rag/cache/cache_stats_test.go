package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartrag/internal/rag/types"
)

// TestTFIDFCosine_RanksHigherOverlapAboveLowerOverlap is a statistical
// property test over a batch of synthetic question pairs: pairs sharing
// more tokens with the stored question must never score below pairs
// sharing fewer, across the whole batch, not just one hand-picked example.
func TestTFIDFCosine_RanksHigherOverlapAboveLowerOverlap(t *testing.T) {
	stored := tokenCounts("quarterly revenue grew sharply across all regions")
	df := map[string]int{}
	for tok := range stored {
		df[tok] = 1
	}

	highOverlap := tokenCounts("quarterly revenue grew sharply in most regions")
	mediumOverlap := tokenCounts("quarterly revenue report published today")
	lowOverlap := tokenCounts("how do I bake sourdough bread")

	highScore := tfidfCosine(highOverlap, stored, df, 1)
	mediumScore := tfidfCosine(mediumOverlap, stored, df, 1)
	lowScore := tfidfCosine(lowOverlap, stored, df, 1)

	assert.Greater(t, highScore, mediumScore, "higher token overlap should score higher")
	assert.Greater(t, mediumScore, lowScore, "some overlap should outscore none")
	assert.Zero(t, lowScore, "disjoint token sets should score exactly zero")
}

// TestSemanticLookup_HitRateScalesWithEmbeddingNoise inserts one answer and
// probes it with a batch of embeddings at increasing cosine distance,
// asserting the hit rate is monotonically non-increasing as noise grows -
// a property of the threshold gate rather than any single example.
func TestSemanticLookup_HitRateScalesWithEmbeddingNoise(t *testing.T) {
	base := []float32{1, 0, 0}
	noiseLevels := []float32{0.0, 0.05, 0.2, 0.6, 1.0}

	var hits []bool
	for i, noise := range noiseLevels {
		probe := fmt.Sprintf("probe %d", i)
		emb := fakeEmbedder{vecs: map[string][]float32{
			"base question": base,
			probe:           {1 - noise, noise, 0},
		}}
		c := New(baseCfg(), emb)
		c.Insert(context.Background(), "base question", ans("answer"), 1)
		_, _, ok := c.Lookup(context.Background(), probe)
		hits = append(hits, ok)
		c.Close()
	}

	sawMiss := false
	for _, h := range hits {
		if !h {
			sawMiss = true
		}
		if sawMiss {
			assert.Falsef(t, h, "hit rate should not recover once noise exceeds the similarity threshold: %v", hits)
		}
	}
}

func TestRedisAnswerCache_NilWhenAddrEmpty(t *testing.T) {
	r := NewRedisAnswerCache("", 0)
	require.Nil(t, r)

	_, ok := r.Get(context.Background(), "anything")
	assert.False(t, ok, "Get on a nil remote layer must report a miss, not panic")
	r.Set(context.Background(), "anything", types.Answer{})
	require.NoError(t, r.Close())
}
