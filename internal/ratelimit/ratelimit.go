// Package ratelimit implements the per-key token bucket rate limiter
// (spec §4.7): lazy refill, striped per-key mutex table (spec §5).
package ratelimit

import (
	"math"
	"sync"

	"github.com/mcp-router/gateway/internal/clock"
)

// Config is a per-key bucket configuration.
type Config struct {
	Capacity         int
	RefillRate       int
	RefillIntervalMs int64
}

// DefaultConfig matches spec §4.7's default {100, 10, 1000}.
func DefaultConfig() Config {
	return Config{Capacity: 100, RefillRate: 10, RefillIntervalMs: 1000}
}

type bucket struct {
	mu            sync.Mutex
	cfg           Config
	tokens        float64
	lastRefillMs  int64
}

// CheckResult is check()'s return shape.
type CheckResult struct {
	Allowed    bool
	Remaining  int
	ResetAt    int64
	RetryAfter int64 // milliseconds; only set when denied
}

const shardCount = 32

// Limiter is a striped table of per-key buckets. Spec §5: "one mutex per
// key, using a striped table to avoid a global bottleneck" — the shards
// guard the map itself (insert of a brand-new key), while each bucket's own
// mutex guards its token count, so two different keys never contend even
// during their first access.
type Limiter struct {
	clock  clock.Clock
	def    Config
	shards [shardCount]struct {
		mu      sync.Mutex
		buckets map[string]*bucket
	}
}

func New(def Config, c clock.Clock) *Limiter {
	l := &Limiter{clock: c, def: def}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

func shardFor(key string) int {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % shardCount)
}

func (l *Limiter) getOrCreate(key string, cfg Config) *bucket {
	s := &l.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{cfg: cfg, tokens: float64(cfg.Capacity), lastRefillMs: l.clock.Now().UnixMilli()}
		s.buckets[key] = b
	}
	return b
}

// Configure overrides the bucket config for key, matching spec's
// configure(key, {...}); creates the bucket at full capacity if absent.
func (l *Limiter) Configure(key string, cfg Config) {
	b := l.getOrCreate(key, cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *bucket) refillLocked(nowMs int64) {
	if b.cfg.RefillIntervalMs <= 0 {
		return
	}
	elapsed := nowMs - b.lastRefillMs
	if elapsed <= 0 {
		return
	}
	intervals := elapsed / b.cfg.RefillIntervalMs
	if intervals <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.cfg.Capacity), b.tokens+float64(intervals*int64(b.cfg.RefillRate)))
	b.lastRefillMs += intervals * b.cfg.RefillIntervalMs
}

// Check reports whether a single token is currently available, without
// consuming it.
func (l *Limiter) Check(key string) CheckResult {
	return l.consume(key, 0)
}

// Consume atomically tests-and-decrements n tokens (default 1): if
// tokens >= n it decrements and allows; otherwise it denies without
// mutating tokens (spec §4.7).
func (l *Limiter) Consume(key string, n int) CheckResult {
	if n <= 0 {
		n = 1
	}
	return l.consume(key, n)
}

func (l *Limiter) consume(key string, n int) CheckResult {
	b := l.getOrCreate(key, l.def)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now().UnixMilli()
	b.refillLocked(now)

	resetAt := b.lastRefillMs + b.cfg.RefillIntervalMs

	if n == 0 {
		return CheckResult{Allowed: b.tokens >= 1, Remaining: int(b.tokens), ResetAt: resetAt}
	}

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return CheckResult{Allowed: true, Remaining: int(b.tokens), ResetAt: resetAt}
	}

	deficit := float64(n) - b.tokens
	var retryAfter int64
	if b.cfg.RefillRate > 0 {
		retryAfter = int64(math.Ceil(deficit/float64(b.cfg.RefillRate))) * b.cfg.RefillIntervalMs
	}
	return CheckResult{Allowed: false, Remaining: int(b.tokens), ResetAt: resetAt, RetryAfter: retryAfter}
}

// Reset restores key to full capacity.
func (l *Limiter) Reset(key string) {
	b := l.getOrCreate(key, l.def)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = float64(b.cfg.Capacity)
	b.lastRefillMs = l.clock.Now().UnixMilli()
}
