package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGCounterStoreIncrement(t *testing.T) {
	db := newTestPool(t)
	ctx := context.Background()
	_, err := db.Exec(ctx, `TRUNCATE rate_counters`)
	require.NoError(t, err)

	store := NewPGCounterStore(db)
	for want := int64(1); want <= 3; want++ {
		n, err := store.Increment(ctx, "create:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := store.Increment(ctx, "create:u1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	require.NoError(t, store.Prune(ctx))
}
