// Package ratelimit paces task execution per task kind with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/syllabus-indexer/internal/metrics"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Limiter manages one token bucket per task kind.
type Limiter struct {
	mu       sync.Mutex
	limiters map[syllabus.TaskKind]*rate.Limiter
	fallback Rule
}

// Rule configures a single bucket. A zero Every means unlimited.
type Rule struct {
	Every time.Duration
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	Rules   map[syllabus.TaskKind]Rule
	Default Rule
}

// New creates a Limiter with one bucket per configured kind.
func New(cfg Config) *Limiter {
	l := &Limiter{
		limiters: make(map[syllabus.TaskKind]*rate.Limiter, len(cfg.Rules)),
		fallback: cfg.Default,
	}
	for kind, rule := range cfg.Rules {
		l.limiters[kind] = newBucket(rule)
	}
	return l
}

// PerSecond converts a requests-per-second budget into a Rule.
func PerSecond(n int) Rule {
	if n <= 0 {
		return Rule{}
	}
	return Rule{Every: time.Second / time.Duration(n), Burst: n}
}

// Wait blocks until kind may start another task or ctx ends.
func (l *Limiter) Wait(ctx context.Context, kind syllabus.TaskKind) error {
	l.mu.Lock()
	limiter, ok := l.limiters[kind]
	if !ok {
		limiter = newBucket(l.fallback)
		l.limiters[kind] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(string(kind), d)
	}
	return nil
}

func newBucket(rule Rule) *rate.Limiter {
	burst := rule.Burst
	if burst <= 0 {
		burst = 1
	}
	if rule.Every <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Every(rule.Every), burst)
}
