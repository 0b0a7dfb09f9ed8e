package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
)

func TestLimiterResetsAfterWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	store := NewMemoryStore(clk, 100, time.Hour)
	l := NewLimiter(store, Config{Limit: 2, Window: time.Minute}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "create:u1"))
	require.NoError(t, l.Allow(ctx, "create:u1"))
	err := l.Allow(ctx, "create:u1")
	assert.ErrorIs(t, err, apperr.ErrResourceExhausted)
	assert.True(t, apperr.CodeOf(err).Retryable())

	// Other keys are independent
	require.NoError(t, l.Allow(ctx, "create:u2"))

	clk.Add(time.Minute)
	assert.NoError(t, l.Allow(ctx, "create:u1"))
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	var l *Limiter
	assert.NoError(t, l.Allow(context.Background(), "k"))

	l = NewLimiter(nil, Config{}, zap.NewNop())
	assert.NoError(t, l.Allow(context.Background(), "k"))
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	l := NewLimiter(failingStore{}, Config{Limit: 1, Window: time.Minute}, zap.NewNop())
	assert.NoError(t, l.Allow(context.Background(), "k"))
	assert.NoError(t, l.Allow(context.Background(), "k"))
}
