// Package classify implements the Router's lightweight intent classifier:
// a normalized-question cache in front of a keyword-heuristic classifier
// over {factual, analytical, relational, tabular, general}. No example
// repo in the corpus ships a trained text classifier (the closest
// ML-shaped dependencies — onnx runtimes, tokenizer libraries — are
// already spent elsewhere in this engine), so this stays a small,
// stdlib-only routine in the same spirit as the bandit's Beta sampler and
// the cache's TF-IDF cosine.
package classify

import (
	"regexp"
	"strings"
	"sync"

	"smartrag/internal/rag/types"
)

// Classifier classifies questions and caches the result by normalized text.
type Classifier struct {
	mu    sync.Mutex
	cache map[string]types.Classification
	cap   int
	order []string
}

// New constructs a Classifier with a FIFO-evicted cache of the given
// capacity (0 uses a default of 2048); a cache hit does not refresh an
// entry's position.
func New(capacity int) *Classifier {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Classifier{cache: make(map[string]types.Classification), cap: capacity}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalize(q string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(q)), " ")
}

var relationalWords = []string{"relationship", "relationships", "related to", "connected to", "role of", "roles", "how does", "interact with", "between"}
var tabularWords = []string{"compare", "comparison", "versus", " vs ", "list all", "list the", "which ones", "rank", "total", "sum of", "average", "count of", "how many"}
var analyticalWords = []string{"why", "analyze", "analysis", "explain", "evaluate", "implications", "impact of", "pros and cons"}

// Classify returns the cached classification for q if present, else runs
// the heuristic and caches the result.
func (c *Classifier) Classify(q string) types.Classification {
	norm := normalize(q)
	c.mu.Lock()
	if cls, ok := c.cache[norm]; ok {
		c.mu.Unlock()
		return cls
	}
	c.mu.Unlock()

	cls := heuristicClassify(norm)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cache[norm]; !exists {
		c.order = append(c.order, norm)
		for len(c.order) > c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.cache, oldest)
		}
	}
	c.cache[norm] = cls
	return cls
}

func heuristicClassify(norm string) types.Classification {
	if containsAny(norm, relationalWords) {
		return types.ClassRelational
	}
	if containsAny(norm, tabularWords) {
		return types.ClassTabular
	}
	if containsAny(norm, analyticalWords) {
		return types.ClassAnalytical
	}
	if strings.HasPrefix(norm, "who ") || strings.HasPrefix(norm, "what ") ||
		strings.HasPrefix(norm, "when ") || strings.HasPrefix(norm, "where ") ||
		strings.HasPrefix(norm, "which ") {
		return types.ClassFactual
	}
	return types.ClassGeneral
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
