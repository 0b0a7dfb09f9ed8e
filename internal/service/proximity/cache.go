// internal/service/proximity/cache.go

// Package proximity provides the time-bounded, single-flight cache that sits
// in front of the proximity index.
package proximity

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
	geoService "spatialtag/internal/service/geo"
)

// Cache outcomes reported to the recorder
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultShared = "shared"
	ResultError  = "error"
)

// Cache names reported to the recorder
const (
	CacheNearby = "nearby"
	CacheEntity = "entity"
)

// overlapSlack widens the spatial invalidation test to cover key quantization
const overlapSlack = 1.0

// Recorder receives cache outcomes. Implementations must not block.
type Recorder interface {
	CacheResult(cache, result string)
}

// Config contains configuration for the cache
type Config struct {
	NearbyTTL   time.Duration
	EntityTTL   time.Duration
	MaxEntries  int
	LoadTimeout time.Duration // bound on a shared load once its callers have gone
}

// DefaultConfig returns a 15s nearby TTL and a 5m entity TTL
func DefaultConfig() Config {
	return Config{
		NearbyTTL:   15 * time.Second,
		EntityTTL:   5 * time.Minute,
		MaxEntries:  10000,
		LoadTimeout: 5 * time.Second,
	}
}

// NearbyLoader queries the index for a cache key
type NearbyLoader func(ctx context.Context, key Key) ([]proximity.Hit, error)

// EntityLoader fetches a single record
type EntityLoader func(ctx context.Context, id string) (entity.Record, error)

type nearbyEntry struct {
	key  Key
	hits []proximity.Hit
	ids  map[string]struct{}
}

// pendingLoad is a running shared load. A stale load still answers its
// waiting callers but does not populate the cache.
type pendingLoad struct {
	key   Key
	stale bool
}

// Cache collapses concurrent identical loads and serves results until their
// TTL or until a mutation touching them invalidates them. An entry is dropped
// when it contains a mutated entity id, or when its query circle overlaps a
// mutated entity's old or new position.
type Cache struct {
	config   Config
	recorder Recorder
	logger   *zap.Logger
	group    singleflight.Group
	nearby   *expirable.LRU[string, nearbyEntry]
	entities *expirable.LRU[string, entity.Record]

	// mu orders populate steps against invalidation scans
	mu              sync.Mutex
	pendingNearby   map[string]*pendingLoad
	pendingEntities map[string]*pendingLoad
}

// NewCache creates a new proximity cache
func NewCache(config Config, recorder Recorder, logger *zap.Logger) *Cache {
	return &Cache{
		config:   config,
		recorder: recorder,
		logger:   logger,
		nearby:   expirable.NewLRU[string, nearbyEntry](config.MaxEntries, nil, config.NearbyTTL),
		entities: expirable.NewLRU[string, entity.Record](config.MaxEntries, nil, config.EntityTTL),

		pendingNearby:   make(map[string]*pendingLoad),
		pendingEntities: make(map[string]*pendingLoad),
	}
}

// GetOrLoad returns the cached hits for key or runs load once for all
// concurrent callers. A caller whose ctx ends stops waiting; the shared load
// carries on and still populates the cache.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, load NearbyLoader) ([]proximity.Hit, error) {
	skey := key.String()
	if e, ok := c.nearby.Get(skey); ok {
		c.record(CacheNearby, ResultHit)
		return e.hits, nil
	}

	v, err := c.flight(ctx, skey, func(loadCtx context.Context) (any, error) {
		p := c.begin(c.pendingNearby, skey, key)
		defer c.end(c.pendingNearby, skey, p)

		hits, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		ids := make(map[string]struct{}, len(hits))
		for _, h := range hits {
			ids[h.Record.ID] = struct{}{}
		}

		c.mu.Lock()
		if !p.stale {
			c.nearby.Add(skey, nearbyEntry{key: key, hits: hits, ids: ids})
		}
		c.mu.Unlock()
		return hits, nil
	}, CacheNearby)
	if err != nil {
		return nil, err
	}
	return v.([]proximity.Hit), nil
}

// GetEntity returns a cached record or loads it once for concurrent callers
func (c *Cache) GetEntity(ctx context.Context, id string, load EntityLoader) (entity.Record, error) {
	if rec, ok := c.entities.Get(id); ok {
		c.record(CacheEntity, ResultHit)
		return rec, nil
	}

	v, err := c.flight(ctx, entityFlightKey(id), func(loadCtx context.Context) (any, error) {
		p := c.begin(c.pendingEntities, id, Key{})
		defer c.end(c.pendingEntities, id, p)

		rec, err := load(loadCtx, id)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if !p.stale {
			c.entities.Add(id, rec)
		}
		c.mu.Unlock()
		return rec, nil
	}, CacheEntity)
	if err != nil {
		return entity.Record{}, err
	}
	return v.(entity.Record), nil
}

func entityFlightKey(id string) string {
	return "entity:" + id
}

// begin registers the leader of a shared load
func (c *Cache) begin(pending map[string]*pendingLoad, k string, key Key) *pendingLoad {
	p := &pendingLoad{key: key}
	c.mu.Lock()
	pending[k] = p
	c.mu.Unlock()
	return p
}

// end unregisters p unless a newer load for the same key replaced it
func (c *Cache) end(pending map[string]*pendingLoad, k string, p *pendingLoad) {
	c.mu.Lock()
	if pending[k] == p {
		delete(pending, k)
	}
	c.mu.Unlock()
}

func (c *Cache) flight(ctx context.Context, fkey string, fn func(context.Context) (any, error), cache string) (any, error) {
	ch := c.group.DoChan(fkey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.LoadTimeout)
		defer cancel()
		return fn(loadCtx)
	})

	select {
	case res := <-ch:
		switch {
		case res.Err != nil:
			c.record(cache, ResultError)
		case res.Shared:
			c.record(cache, ResultShared)
		default:
			c.record(cache, ResultMiss)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateEntity drops every entry that could include the entity: entries
// listing its id and entries whose circle overlaps any of the given positions
func (c *Cache) InvalidateEntity(id string, positions ...geo.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLocked(func(key Key, ids map[string]struct{}) bool {
		if _, ok := ids[id]; ok {
			return true
		}
		center := key.Center()
		return slices.ContainsFunc(positions, func(p geo.Position) bool {
			return geoService.SurfaceDistance(center, p) <= key.RadiusMeters()+overlapSlack
		})
	})

	if p, ok := c.pendingEntities[id]; ok {
		p.stale = true
		delete(c.pendingEntities, id)
		c.group.Forget(entityFlightKey(id))
	}
	c.entities.Remove(id)
}

// Invalidate drops nearby entries matching pred. Running loads whose key
// matches are marked stale and forgotten so later callers start fresh; ids is
// nil for those since their result is not known yet.
func (c *Cache) Invalidate(pred func(key Key, ids map[string]struct{}) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(pred)
}

func (c *Cache) invalidateLocked(pred func(key Key, ids map[string]struct{}) bool) {
	for k, p := range c.pendingNearby {
		if pred(p.key, nil) {
			p.stale = true
			delete(c.pendingNearby, k)
			c.group.Forget(k)
		}
	}

	removed := 0
	for _, k := range c.nearby.Keys() {
		e, ok := c.nearby.Peek(k)
		if ok && pred(e.key, e.ids) {
			c.nearby.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("invalidated nearby cache entries", zap.Int("count", removed))
	}
}

// Purge empties the cache and abandons running loads
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, p := range c.pendingNearby {
		p.stale = true
		delete(c.pendingNearby, k)
		c.group.Forget(k)
	}
	for id, p := range c.pendingEntities {
		p.stale = true
		delete(c.pendingEntities, id)
		c.group.Forget(entityFlightKey(id))
	}
	c.nearby.Purge()
	c.entities.Purge()
}

// Len returns the number of cached nearby entries
func (c *Cache) Len() int {
	return c.nearby.Len()
}

func (c *Cache) record(cache, result string) {
	if c.recorder != nil {
		c.recorder.CacheResult(cache, result)
	}
}
