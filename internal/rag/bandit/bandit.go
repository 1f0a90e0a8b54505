// Package bandit implements Thompson sampling over the four retrieval
// strategy arms, with Beta(alpha, beta) posteriors persisted to disk after
// every update.
package bandit

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"smartrag/internal/rag/service"
	"smartrag/internal/rag/statestore"
	"smartrag/internal/rag/types"
)

const latencyWindow = 20

type armState struct {
	mu      sync.Mutex
	arm     types.BanditArm
	latMu   sync.Mutex
	recentMS []int64 // ring of recent latencies, newest appended
}

func (a *armState) recordLatency(ms int64) {
	a.latMu.Lock()
	defer a.latMu.Unlock()
	a.recentMS = append(a.recentMS, ms)
	if len(a.recentMS) > latencyWindow {
		a.recentMS = a.recentMS[len(a.recentMS)-latencyWindow:]
	}
}

func (a *armState) p95() int64 {
	a.latMu.Lock()
	defer a.latMu.Unlock()
	n := len(a.recentMS)
	if n == 0 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, a.recentMS)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Config configures a Bandit instance.
type Config struct {
	StatePath        string
	DefaultStatePath string
	Epsilon          float64 // exploration bonus coefficient, default 0.1
	LatencyBudgetMS  int
}

// Bandit holds per-arm Beta posteriors and serializes updates per arm.
type Bandit struct {
	arms    map[types.ArmName]*armState
	cfg     Config
	saveMu  sync.Mutex
	rngMu   sync.Mutex
	rng     *rand.Rand
	logger  service.Logger
	metrics service.Metrics
	source  statestore.Source
}

// Option configures optional Bandit dependencies.
type Option func(*Bandit)

func WithLogger(l service.Logger) Option   { return func(b *Bandit) { b.logger = l } }
func WithMetrics(m service.Metrics) Option { return func(b *Bandit) { b.metrics = m } }

// WithSeed fixes the sampler's RNG seed, making Thompson draws
// reproducible in tests.
func WithSeed(seed int64) Option {
	return func(b *Bandit) { b.rng = rand.New(rand.NewSource(seed)) }
}

// New constructs a Bandit, loading persisted state per the startup order:
// runtime path, then pre-warmed default, then uniform Beta(1,1) priors.
func New(cfg Config, opts ...Option) *Bandit {
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 0.1
	}
	if cfg.LatencyBudgetMS == 0 {
		cfg.LatencyBudgetMS = 8000
	}
	loaded, source := statestore.Load(cfg.StatePath, cfg.DefaultStatePath)
	b := &Bandit{
		arms:    make(map[types.ArmName]*armState, len(loaded)),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics: service.NoopMetrics{},
		source:  source,
	}
	for name, arm := range loaded {
		b.arms[name] = &armState{arm: *arm}
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger != nil {
		b.logger.Info("bandit state loaded", map[string]any{"source": string(source)})
	}
	return b
}

// Source reports where startup state came from (runtime/default/uniform).
func (b *Bandit) Source() statestore.Source { return b.source }

// Snapshot returns a copy of all arms' current posteriors.
func (b *Bandit) Snapshot() map[types.ArmName]types.BanditArm {
	out := make(map[types.ArmName]types.BanditArm, len(b.arms))
	for name, st := range b.arms {
		st.mu.Lock()
		out[name] = st.arm
		st.mu.Unlock()
	}
	return out
}

// RecordLatency feeds an observed latency sample for eligibility checks.
func (b *Bandit) RecordLatency(arm types.ArmName, ms int64) {
	if st, ok := b.arms[arm]; ok {
		st.recordLatency(ms)
	}
}

// LatencyExceedsBudget reports whether an arm's recent p95 latency exceeds
// 1.5x the configured latency budget (router eligibility exclusion rule).
func (b *Bandit) LatencyExceedsBudget(arm types.ArmName) bool {
	st, ok := b.arms[arm]
	if !ok {
		return false
	}
	p95 := st.p95()
	if p95 == 0 {
		return false
	}
	return float64(p95) > 1.5*float64(b.cfg.LatencyBudgetMS)
}

// Sample picks the eligible arm with the highest Thompson-sampled value
// plus an exploration bonus favoring under-tried arms.
func (b *Bandit) Sample(eligible []types.ArmName) types.ArmName {
	var best types.ArmName
	bestScore := -1.0
	for _, name := range eligible {
		st, ok := b.arms[name]
		if !ok {
			continue
		}
		st.mu.Lock()
		alpha, beta := st.arm.Alpha, st.arm.Beta
		st.mu.Unlock()

		b.rngMu.Lock()
		x := sampleBeta(b.rng, alpha, beta)
		b.rngMu.Unlock()

		bonus := b.cfg.Epsilon * (1.0 / (alpha + beta - 2 + 1))
		score := x + bonus
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	return best
}

// Update applies reward r to arm's posterior (alpha += r, beta += 1-r),
// then persists the full arm set atomically. saveMu is held across both
// steps, which makes the (update, persist) pair atomic with respect to
// other updates of the same arm and serializes the file write across arms
// so no torn write is ever observed on disk; the per-arm mutex guards the
// posterior against concurrent readers.
func (b *Bandit) Update(arm types.ArmName, r float64) error {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	st, ok := b.arms[arm]
	if !ok {
		return nil
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	st.mu.Lock()
	st.arm.Alpha += r
	st.arm.Beta += 1 - r
	st.arm.Trials++
	st.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveHistogram("bandit_reward", r, map[string]string{"arm": string(arm)})
	}
	return b.persist()
}

// persist writes the arm set to StatePath. The caller holds saveMu.
func (b *Bandit) persist() error {
	if b.cfg.StatePath == "" {
		return nil
	}
	snap := make(map[types.ArmName]*types.BanditArm, len(b.arms))
	for name, st := range b.arms {
		st.mu.Lock()
		a := st.arm
		st.mu.Unlock()
		snap[name] = &a
	}
	return statestore.Save(b.cfg.StatePath, snap)
}
