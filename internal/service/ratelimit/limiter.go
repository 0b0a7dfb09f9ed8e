// internal/service/ratelimit/limiter.go

// Package ratelimit implements fixed-window per-key counters over a shared
// counting store, so limits hold across processes when the store is shared.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
)

// CounterStore increments per-key counters that reset after a window
type CounterStore interface {
	// Increment adds one to key and returns the new count. A key whose
	// window has elapsed starts again at one.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Config contains configuration for a limiter
type Config struct {
	Limit  int64         // allowed calls per window; 0 disables limiting
	Window time.Duration
}

// Limiter rejects calls beyond the configured rate
type Limiter struct {
	store  CounterStore
	config Config
	logger *zap.Logger
}

// NewLimiter creates a new limiter
func NewLimiter(store CounterStore, config Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Allow counts a call for key and fails with ResourceExhausted when the limit
// is exceeded. Store failures let the call through.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	if l == nil || l.config.Limit <= 0 {
		return nil
	}

	n, err := l.store.Increment(ctx, key, l.config.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing call", zap.String("key", key), zap.Error(err))
		return nil
	}
	if n > l.config.Limit {
		return apperr.New(apperr.CodeResourceExhausted,
			fmt.Sprintf("rate limit exceeded: %d calls per %s", l.config.Limit, l.config.Window))
	}
	return nil
}
