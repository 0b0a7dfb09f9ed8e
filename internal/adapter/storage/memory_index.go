// internal/adapter/storage/memory_index.go

package storage

import (
	"context"
	"hash/maphash"
	"math"
	"sync"
	"time"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

// MemoryIndexConfig contains configuration for the in-memory index
type MemoryIndexConfig struct {
	CellDegrees float64 // grid cell size in degrees
	Stripes     int     // number of independently locked shards
}

// DefaultMemoryIndexConfig returns roughly 1km cells over 64 stripes
func DefaultMemoryIndexConfig() MemoryIndexConfig {
	return MemoryIndexConfig{
		CellDegrees: 0.01,
		Stripes:     64,
	}
}

type cellKey struct {
	lat, lng int32
}

// cellStripe guards the grid cells hashed to it
type cellStripe struct {
	mu    sync.RWMutex
	cells map[cellKey]map[string]entity.Record
}

// idStripe guards the latest record of the ids hashed to it
type idStripe struct {
	mu      sync.RWMutex
	records map[string]entity.Record
}

// MemoryIndex is a proximity.Index over a latitude/longitude grid. Cells and
// ids are spread over lock stripes so writers in one region never block
// readers of a disjoint region.
type MemoryIndex struct {
	calc      geo.DistanceCalculator
	config    MemoryIndexConfig
	seed      maphash.Seed
	cells     []cellStripe
	ids       []idStripe
	expiries  deadlineQueue // active records by ExpiresAt
	retirees  deadlineQueue // expired/deleted records by UpdatedAt
	sizeMu    sync.Mutex
	size      int
	compactAt int
}

// NewMemoryIndex creates a new in-memory index
func NewMemoryIndex(calc geo.DistanceCalculator, config MemoryIndexConfig) *MemoryIndex {
	if config.CellDegrees <= 0 {
		config.CellDegrees = DefaultMemoryIndexConfig().CellDegrees
	}
	if config.Stripes <= 0 {
		config.Stripes = DefaultMemoryIndexConfig().Stripes
	}

	idx := &MemoryIndex{
		calc:      calc,
		config:    config,
		seed:      maphash.MakeSeed(),
		cells:     make([]cellStripe, config.Stripes),
		ids:       make([]idStripe, config.Stripes),
		compactAt: 1024,
	}
	for i := range idx.cells {
		idx.cells[i].cells = make(map[cellKey]map[string]entity.Record)
		idx.ids[i].records = make(map[string]entity.Record)
	}
	return idx
}

// Query returns active records within radius meters of center, nearest first
func (m *MemoryIndex) Query(ctx context.Context, center geo.Position, radius float64, filter proximity.Filter) ([]proximity.Hit, error) {
	if err := proximity.ValidateQuery(center, radius); err != nil {
		return nil, err
	}

	box := geo.BoundingBox(center, radius)
	seen := make(map[string]proximity.Hit)

	for _, key := range m.cellsFor(box) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stripe := m.cellStripe(key)
		stripe.mu.RLock()
		for id, rec := range stripe.cells[key] {
			if !filter.Match(rec) {
				continue
			}
			d, err := m.calc.Distance(center, rec.Position, true)
			if err != nil || d.Raw > radius {
				continue
			}
			// A moving record can briefly sit in two cells; keep the newest
			if prev, ok := seen[id]; ok && prev.Record.Version >= rec.Version {
				continue
			}
			seen[id] = proximity.Hit{Record: rec, Distance: d.Meters}
		}
		stripe.mu.RUnlock()
	}

	hits := make([]proximity.Hit, 0, len(seen))
	for _, h := range seen {
		hits = append(hits, h)
	}
	return proximity.SortHits(hits, filter.MaxHits()), nil
}

// Upsert stores rec unless a newer version is already present
func (m *MemoryIndex) Upsert(ctx context.Context, rec entity.Record) error {
	if err := rec.Position.Validate(); err != nil {
		return err
	}

	stripe := m.idStripe(rec.ID)
	stripe.mu.Lock()
	prev, existed := stripe.records[rec.ID]
	if existed && prev.Version > rec.Version {
		stripe.mu.Unlock()
		return nil
	}
	stripe.records[rec.ID] = rec
	m.place(rec, prev, existed)
	stripe.mu.Unlock()

	if !existed {
		m.grow(1)
	}
	m.track(rec)
	return nil
}

// Remove deletes a record
func (m *MemoryIndex) Remove(ctx context.Context, id string) error {
	stripe := m.idStripe(id)
	stripe.mu.Lock()
	prev, ok := stripe.records[id]
	if ok {
		delete(stripe.records, id)
		m.evictFromCell(m.cellOf(prev.Position), id)
	}
	stripe.mu.Unlock()

	if ok {
		m.grow(-1)
	}
	return nil
}

// Get returns a record by id
func (m *MemoryIndex) Get(ctx context.Context, id string) (entity.Record, error) {
	stripe := m.idStripe(id)
	stripe.mu.RLock()
	rec, ok := stripe.records[id]
	stripe.mu.RUnlock()

	if !ok {
		return entity.Record{}, proximity.NotFound(id)
	}
	return rec, nil
}

// DueForExpiry returns active records whose expiration has passed
func (m *MemoryIndex) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]entity.Record, error) {
	return m.collect(&m.expiries, now, limit, func(rec entity.Record) bool {
		return rec.State == entity.StateActive && !rec.ExpiresAt.IsZero()
	})
}

// DueForPurge returns retired records last updated at or before cutoff
func (m *MemoryIndex) DueForPurge(ctx context.Context, cutoff time.Time, limit int) ([]entity.Record, error) {
	return m.collect(&m.retirees, cutoff, limit, func(rec entity.Record) bool {
		return rec.State != entity.StateActive
	})
}

// Transition moves a record between states if it is currently in from
func (m *MemoryIndex) Transition(ctx context.Context, id string, from, to entity.State, at time.Time) (bool, error) {
	stripe := m.idStripe(id)
	stripe.mu.Lock()
	cur, ok := stripe.records[id]
	if !ok || cur.State != from {
		stripe.mu.Unlock()
		return false, nil
	}
	next := cur.WithState(to, at)
	stripe.records[id] = next
	m.place(next, cur, true)
	stripe.mu.Unlock()

	m.track(next)
	return true, nil
}

// Len returns the number of stored records
func (m *MemoryIndex) Len() int {
	m.sizeMu.Lock()
	defer m.sizeMu.Unlock()
	return m.size
}

// place writes rec into its cell, adding to the new cell before removing
// from the old one. Caller holds the id stripe lock.
func (m *MemoryIndex) place(rec, prev entity.Record, existed bool) {
	key := m.cellOf(rec.Position)
	stripe := m.cellStripe(key)
	stripe.mu.Lock()
	cell := stripe.cells[key]
	if cell == nil {
		cell = make(map[string]entity.Record)
		stripe.cells[key] = cell
	}
	cell[rec.ID] = rec
	stripe.mu.Unlock()

	if existed {
		if old := m.cellOf(prev.Position); old != key {
			m.evictFromCell(old, rec.ID)
		}
	}
}

func (m *MemoryIndex) evictFromCell(key cellKey, id string) {
	stripe := m.cellStripe(key)
	stripe.mu.Lock()
	if cell := stripe.cells[key]; cell != nil {
		delete(cell, id)
		if len(cell) == 0 {
			delete(stripe.cells, key)
		}
	}
	stripe.mu.Unlock()
}

// track queues rec on the secondary index matching its state. Must be called
// without holding an id stripe lock.
func (m *MemoryIndex) track(rec entity.Record) {
	if rec.State == entity.StateActive {
		if !rec.ExpiresAt.IsZero() {
			m.expiries.push(rec.ID, rec.ExpiresAt, rec.Version)
		}
	} else {
		m.retirees.push(rec.ID, rec.UpdatedAt, rec.Version)
	}
	m.maybeCompact()
}

func (m *MemoryIndex) collect(q *deadlineQueue, cutoff time.Time, limit int, want func(entity.Record) bool) ([]entity.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []entity.Record
	seen := make(map[string]bool)
	q.due(cutoff, limit, func(d deadline) bool {
		rec, ok := m.current(d)
		if !ok || !want(rec) || seen[d.id] {
			return false
		}
		seen[d.id] = true
		out = append(out, rec)
		return true
	})
	return out, nil
}

// current returns the stored record if d still refers to its latest version
func (m *MemoryIndex) current(d deadline) (entity.Record, bool) {
	stripe := m.idStripe(d.id)
	stripe.mu.RLock()
	rec, ok := stripe.records[d.id]
	stripe.mu.RUnlock()
	if !ok || rec.Version != d.version {
		return entity.Record{}, false
	}
	return rec, true
}

func (m *MemoryIndex) maybeCompact() {
	m.sizeMu.Lock()
	threshold := max(m.compactAt, 2*m.size)
	m.sizeMu.Unlock()

	live := func(d deadline) bool {
		_, ok := m.current(d)
		return ok
	}
	if m.expiries.len() > threshold {
		m.expiries.compact(live)
	}
	if m.retirees.len() > threshold {
		m.retirees.compact(live)
	}
}

func (m *MemoryIndex) grow(delta int) {
	m.sizeMu.Lock()
	m.size += delta
	m.sizeMu.Unlock()
}

func (m *MemoryIndex) cellOf(p geo.Position) cellKey {
	return cellKey{
		lat: int32(math.Floor(p.Latitude / m.config.CellDegrees)),
		lng: int32(math.Floor(p.Longitude / m.config.CellDegrees)),
	}
}

// cellsFor enumerates the grid cells overlapping box
func (m *MemoryIndex) cellsFor(box geo.Box) []cellKey {
	minLat := int32(math.Floor(box.MinLat / m.config.CellDegrees))
	maxLat := int32(math.Floor(box.MaxLat / m.config.CellDegrees))

	var keys []cellKey
	for _, r := range box.LongitudeRanges() {
		minLng := int32(math.Floor(r[0] / m.config.CellDegrees))
		maxLng := int32(math.Floor(r[1] / m.config.CellDegrees))
		for lat := minLat; lat <= maxLat; lat++ {
			for lng := minLng; lng <= maxLng; lng++ {
				keys = append(keys, cellKey{lat: lat, lng: lng})
			}
		}
	}
	return keys
}

func (m *MemoryIndex) cellStripe(key cellKey) *cellStripe {
	return &m.cells[maphash.Comparable(m.seed, key)%uint64(len(m.cells))]
}

func (m *MemoryIndex) idStripe(id string) *idStripe {
	return &m.ids[maphash.String(m.seed, id)%uint64(len(m.ids))]
}

var _ proximity.Index = (*MemoryIndex)(nil)
