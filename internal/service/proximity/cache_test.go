package proximity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *countingRecorder) CacheResult(cache, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[cache+"/"+result]++
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[key]
}

func testCache(t *testing.T, config Config) (*Cache, *countingRecorder) {
	t.Helper()
	rec := &countingRecorder{}
	return NewCache(config, rec, zap.NewNop()), rec
}

func center(t *testing.T) geo.Position {
	t.Helper()
	p, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	return p
}

func hitFor(id string, pos geo.Position) proximity.Hit {
	return proximity.Hit{Record: entity.Record{ID: id, Kind: entity.KindTag, Position: pos, State: entity.StateActive}}
}

func TestGetOrLoadSingleFlight(t *testing.T) {
	c, rec := testCache(t, DefaultConfig())
	key := NewKey(center(t), 50, proximity.Filter{Kind: entity.KindTag})

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context, k Key) ([]proximity.Hit, error) {
		calls.Add(1)
		<-release
		return []proximity.Hit{hitFor("t1", k.Center())}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([][]proximity.Hit, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hits, err := c.GetOrLoad(context.Background(), key, load)
			assert.NoError(t, err)
			results[i] = hits
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, hits := range results {
		require.Len(t, hits, 1)
		assert.Equal(t, "t1", hits[0].Record.ID)
	}
	assert.Equal(t, n, rec.count("nearby/miss")+rec.count("nearby/shared"))

	// Served from cache afterwards
	_, err := c.GetOrLoad(context.Background(), key, load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, rec.count("nearby/hit"))
}

func TestCancelledCallerDoesNotCancelSharedLoad(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())
	key := NewKey(center(t), 20, proximity.Filter{Kind: entity.KindTag})

	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context, k Key) ([]proximity.Hit, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return nil, err
		}
		return []proximity.Hit{hitFor("t1", k.Center())}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(ctx, key, load)
		firstDone <- err
	}()
	<-started

	secondDone := make(chan []proximity.Hit, 1)
	go func() {
		hits, err := c.GetOrLoad(context.Background(), key, load)
		assert.NoError(t, err)
		secondDone <- hits
	}()

	cancel()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	hits := <-secondDone
	require.Len(t, hits, 1)
	assert.Nil(t, loadErr.Load())
	assert.Equal(t, 1, c.Len())
}

func TestLoadErrorIsNotCached(t *testing.T) {
	c, rec := testCache(t, DefaultConfig())
	key := NewKey(center(t), 20, proximity.Filter{})

	boom := errors.New("index down")
	_, err := c.GetOrLoad(context.Background(), key, func(context.Context, Key) ([]proximity.Hit, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())
	assert.Equal(t, 1, rec.count("nearby/error"))
}

func TestInvalidateEntityByMembershipAndOverlap(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())
	origin := center(t)
	far := geo.Destination(origin, 0, 5000)

	keyA := NewKey(origin, 50, proximity.Filter{Kind: entity.KindTag})
	keyB := NewKey(far, 50, proximity.Filter{Kind: entity.KindTag})
	load := func(hits ...proximity.Hit) NearbyLoader {
		return func(context.Context, Key) ([]proximity.Hit, error) { return hits, nil }
	}

	_, err := c.GetOrLoad(context.Background(), keyA, load(hitFor("t1", origin)))
	require.NoError(t, err)
	_, err = c.GetOrLoad(context.Background(), keyB, load())
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	// Membership: t1 is listed under keyA only
	c.InvalidateEntity("t1")
	assert.Equal(t, 1, c.Len())

	// Overlap: a new entity created next to keyB
	c.InvalidateEntity("t2", geo.Destination(far, 90, 10))
	assert.Zero(t, c.Len())
}

func TestInvalidationDuringLoadSkipsPopulate(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())
	key := NewKey(center(t), 50, proximity.Filter{})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.GetOrLoad(context.Background(), key, func(context.Context, Key) ([]proximity.Hit, error) {
			close(started)
			<-release
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	<-started
	c.InvalidateEntity("anything", center(t))
	close(release)
	<-done

	assert.Zero(t, c.Len())
}

func TestUnrelatedInvalidationKeepsSingleFlight(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())
	key := NewKey(center(t), 50, proximity.Filter{Kind: entity.KindTag})
	sydney, err := geo.NewPosition(-33.8688, 151.2093, 0)
	require.NoError(t, err)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(_ context.Context, k Key) ([]proximity.Hit, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []proximity.Hit{hitFor("t1", k.Center())}, nil
	}

	var wg sync.WaitGroup
	get := func() {
		defer wg.Done()
		hits, err := c.GetOrLoad(context.Background(), key, load)
		assert.NoError(t, err)
		assert.Len(t, hits, 1)
	}

	wg.Add(1)
	go get()
	<-started

	c.InvalidateEntity("unrelated", sydney)

	wg.Add(1)
	go get()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestOverlappingInvalidationStartsFreshLoad(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())
	key := NewKey(center(t), 50, proximity.Filter{})

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(_ context.Context, k Key) ([]proximity.Hit, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return []proximity.Hit{hitFor("before", k.Center())}, nil
		}
		return []proximity.Hit{hitFor("after", k.Center())}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		hits, err := c.GetOrLoad(context.Background(), key, load)
		assert.NoError(t, err)
		if assert.Len(t, hits, 1) {
			assert.Equal(t, "before", hits[0].Record.ID)
		}
	}()
	<-started

	c.InvalidateEntity("t9", center(t))

	// A caller arriving after the mutation does not join the stale load
	hits, err := c.GetOrLoad(context.Background(), key, load)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "after", hits[0].Record.ID)

	close(release)
	<-done

	// The stale load finished last but did not overwrite the fresh entry
	hits, err = c.GetOrLoad(context.Background(), key, load)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "after", hits[0].Record.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEntityInvalidationDuringLoadSkipsPopulate(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(_ context.Context, id string) (entity.Record, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return entity.Record{ID: id, Version: uint64(calls.Load())}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.GetEntity(context.Background(), "t1", load)
		assert.NoError(t, err)
	}()
	<-started

	c.InvalidateEntity("t1")
	close(release)
	<-done

	_, err := c.GetEntity(context.Background(), "t1", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNearbyEntriesExpire(t *testing.T) {
	config := DefaultConfig()
	config.NearbyTTL = 50 * time.Millisecond
	c, _ := testCache(t, config)
	key := NewKey(center(t), 50, proximity.Filter{})

	var calls atomic.Int32
	load := func(context.Context, Key) ([]proximity.Hit, error) {
		calls.Add(1)
		return nil, nil
	}

	_, _ = c.GetOrLoad(context.Background(), key, load)
	_, _ = c.GetOrLoad(context.Background(), key, load)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(120 * time.Millisecond)
	_, _ = c.GetOrLoad(context.Background(), key, load)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetEntity(t *testing.T) {
	c, _ := testCache(t, DefaultConfig())

	var calls atomic.Int32
	load := func(_ context.Context, id string) (entity.Record, error) {
		calls.Add(1)
		return entity.Record{ID: id}, nil
	}

	rec, err := c.GetEntity(context.Background(), "t1", load)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.ID)
	_, _ = c.GetEntity(context.Background(), "t1", load)
	assert.Equal(t, int32(1), calls.Load())

	c.InvalidateEntity("t1")
	_, _ = c.GetEntity(context.Background(), "t1", load)
	assert.Equal(t, int32(2), calls.Load())
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	p, err := geo.NewPosition(37.77491234, -122.41941234, 3.25, geo.WithLocalFrame("f", 1.2345, 0, 0))
	require.NoError(t, err)
	k := NewKey(p, 12.3456, proximity.Filter{Kind: entity.KindTag})

	c := k.Center()
	assert.InDelta(t, p.Latitude, c.Latitude, 1e-7)
	assert.InDelta(t, p.Longitude, c.Longitude, 1e-7)
	require.True(t, c.HasLocalFrame())
	assert.InDelta(t, 1.2345, c.Local.X, 1e-3)
	assert.InDelta(t, 12.35, k.RadiusMeters(), 1e-9)
	assert.Equal(t, k.String(), NewKey(c, k.RadiusMeters(), proximity.Filter{Kind: entity.KindTag}).String())
}
