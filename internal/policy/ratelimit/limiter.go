// Package ratelimit implements per-account token buckets that pace harvesting
// runs on top of the timing strategy's delays.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvest-orchestrator/internal/metrics"
)

// Limiter manages per-account rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	PerAccountRPS float64
	Burst         int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerAccountRPS)
	if cfg.PerAccountRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func (l *Limiter) forAccount(accountID string) *rate.Limiter {
	if accountID == "" {
		accountID = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[accountID]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[accountID] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for the account, respecting the context.
func (l *Limiter) Wait(ctx context.Context, accountID string) error {
	start := time.Now()
	if err := l.forAccount(accountID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// Saturated reports whether the account has no token available right now.
// It does not consume a token.
func (l *Limiter) Saturated(accountID string) bool {
	return l.forAccount(accountID).Tokens() < 1
}
