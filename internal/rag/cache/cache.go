// Package cache implements the three-layer semantic AnswerCache: an exact
// hash match on the normalized question, a lexical TF-IDF cosine match, and
// a semantic embedding cosine match, each gated by a similarity threshold.
// Entries are evicted by TTL and by LRU once the cache exceeds its capacity.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"smartrag/internal/config"
	"smartrag/internal/rag/types"
)

// Embedder embeds normalized question text for the semantic layer.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Layer names returned by Lookup.
const (
	LayerExact    = "exact"
	LayerLexical  = "lexical"
	LayerSemantic = "semantic"
)

type entry struct {
	key       string
	question  string
	tokens    map[string]int
	embedding []float32
	answer    types.Answer
	createdAt time.Time
	lastUsed  time.Time
	ttl       time.Duration
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Cache is the three-layer semantic answer cache.
type Cache struct {
	mu       sync.RWMutex
	cfg      config.AnswerCacheConfig
	ttl      time.Duration
	capacity int
	entries  map[string]*entry
	order    *list.List // front = most recently used

	df       map[string]int // document frequency of each token across entries
	embedder Embedder
	sf       singleflight.Group
	remote   *RedisAnswerCache

	stopCh chan struct{}
}

// New constructs an answer Cache. embedder may be nil, in which case the
// semantic layer is skipped. When cfg.RedisAddr is set, the exact layer is
// backed by a distributed RedisAnswerCache shared across instances.
func New(cfg config.AnswerCacheConfig, embedder Embedder) *Cache {
	ttlHours := cfg.TTLHours
	if ttlHours <= 0 {
		ttlHours = 24
	}
	capacity := cfg.MaxSize
	if capacity <= 0 {
		capacity = 1000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	ttl := time.Duration(ttlHours) * time.Hour
	c := &Cache{
		cfg:      cfg,
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*entry),
		order:    list.New(),
		df:       make(map[string]int),
		embedder: embedder,
		remote:   NewRedisAnswerCache(cfg.RedisAddr, ttl),
		stopCh:   make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the background cleanup goroutine and the distributed layer's
// connection, if one is configured.
func (c *Cache) Close() {
	close(c.stopCh)
	if c.remote != nil {
		_ = c.remote.Close()
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup checks the exact, then lexical, then semantic layers in order and
// returns the first hit.
func (c *Cache) Lookup(ctx context.Context, question string) (types.Answer, string, bool) {
	if !c.cfg.Enabled {
		return types.Answer{}, "", false
	}
	norm := normalize(question)
	key := hashKey(norm)

	if ans, ok := c.lookupExact(key); ok {
		return ans, LayerExact, true
	}
	if ans, ok := c.lookupRemote(ctx, key, norm, tokenCounts(norm)); ok {
		return ans, LayerExact, true
	}
	if ans, ok := c.lookupLexical(norm); ok {
		return ans, LayerLexical, true
	}
	if ans, ok := c.lookupSemantic(ctx, norm); ok {
		return ans, LayerSemantic, true
	}
	return types.Answer{}, "", false
}

// lookupRemote checks the distributed exact-match layer and, on a hit,
// populates the local exact-match entry so later lookups on this instance
// don't round-trip to Redis again.
func (c *Cache) lookupRemote(ctx context.Context, key, norm string, tokens map[string]int) (types.Answer, bool) {
	if c.remote == nil {
		return types.Answer{}, false
	}
	ans, ok := c.remote.Get(ctx, key)
	if !ok {
		return types.Answer{}, false
	}
	c.storeLocal(key, norm, tokens, nil, ans)
	return ans, true
}

func (c *Cache) lookupExact(key string) (types.Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return types.Answer{}, false
	}
	e.lastUsed = time.Now()
	c.order.MoveToFront(e.elem)
	return e.answer, true
}

func (c *Cache) lookupLexical(normQuestion string) (types.Answer, bool) {
	threshold := c.cfg.SimilarityThreshold
	qTokens := tokenCounts(normQuestion)
	if len(qTokens) == 0 {
		return types.Answer{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var best *entry
	var bestScore float64
	n := len(c.entries)
	for _, e := range c.entries {
		if e.expired(now) {
			continue
		}
		score := tfidfCosine(qTokens, e.tokens, c.df, n)
		if score > bestScore {
			bestScore = score
			best = e
		}
	}
	if best == nil || bestScore < threshold {
		return types.Answer{}, false
	}
	best.lastUsed = now
	c.order.MoveToFront(best.elem)
	return best.answer, true
}

func (c *Cache) lookupSemantic(ctx context.Context, normQuestion string) (types.Answer, bool) {
	if c.embedder == nil {
		return types.Answer{}, false
	}
	threshold := c.cfg.SimilarityThreshold

	v, err, _ := c.sf.Do("embed:"+normQuestion, func() (interface{}, error) {
		vecs, err := c.embedder.EmbedBatch(ctx, []string{normQuestion})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, nil
		}
		return vecs[0], nil
	})
	if err != nil || v == nil {
		return types.Answer{}, false
	}
	qVec, ok := v.([]float32)
	if !ok || len(qVec) == 0 {
		return types.Answer{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var best *entry
	var bestScore float64
	for _, e := range c.entries {
		if e.expired(now) || len(e.embedding) == 0 {
			continue
		}
		score := cosineSimilarity(qVec, e.embedding)
		if score > bestScore {
			bestScore = score
			best = e
		}
	}
	if best == nil || bestScore < threshold {
		return types.Answer{}, false
	}
	best.lastUsed = now
	c.order.MoveToFront(best.elem)
	return best.answer, true
}

// Insert stores an answer, gated on having at least one citation and at
// least one retrieved chunk. chunkCount is the number of chunks that fed
// the answer (not stored, only used as an insertion gate).
func (c *Cache) Insert(ctx context.Context, question string, answer types.Answer, chunkCount int) {
	if !c.cfg.Enabled {
		return
	}
	if len(answer.Citations) == 0 || chunkCount == 0 {
		return
	}

	norm := normalize(question)
	key := hashKey(norm)
	tokens := tokenCounts(norm)

	var embedding []float32
	if c.embedder != nil {
		if vecs, err := c.embedder.EmbedBatch(ctx, []string{norm}); err == nil && len(vecs) > 0 {
			embedding = vecs[0]
		}
	}

	c.storeLocal(key, norm, tokens, embedding, answer)
	if c.remote != nil {
		c.remote.Set(ctx, key, answer)
	}
}

func (c *Cache) storeLocal(key, norm string, tokens map[string]int, embedding []float32, answer types.Answer) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	e := &entry{
		key:       key,
		question:  norm,
		tokens:    tokens,
		embedding: embedding,
		answer:    answer,
		createdAt: now,
		lastUsed:  now,
		ttl:       c.ttl,
	}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	for t := range tokens {
		c.df[t]++
	}

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
	for t := range e.tokens {
		c.df[t]--
		if c.df[t] <= 0 {
			delete(c.df, t)
		}
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) purgeExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
		}
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)
var nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}\s]`)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonWordRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func tokenCounts(normalized string) map[string]int {
	if normalized == "" {
		return nil
	}
	out := make(map[string]int)
	for _, tok := range strings.Fields(normalized) {
		out[tok]++
	}
	return out
}

func hashKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// tfidfCosine computes the cosine similarity between two token-count
// vectors, weighted by smoothed inverse document frequency over a corpus
// of n documents with document frequencies df.
func tfidfCosine(a, b map[string]int, df map[string]int, n int) float64 {
	weight := func(term string, tf int) float64 {
		idf := math.Log(float64(n+1)/float64(df[term]+1)) + 1
		return float64(tf) * idf
	}
	var dot, na, nb float64
	for t, tf := range a {
		w := weight(t, tf)
		na += w * w
		if otf, ok := b[t]; ok {
			dot += w * weight(t, otf)
		}
	}
	for t, tf := range b {
		w := weight(t, tf)
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
