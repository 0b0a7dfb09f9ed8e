// internal/adapter/events/nats_bus.go

// Package events carries tag change events between replicas and to stream
// subscribers over NATS. Subjects are partitioned by geohash cell so a
// subscriber only receives traffic from its neighborhood.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mmcloughlin/geohash"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/geo"
)

// CellChars is the geohash length used in subjects, about 4.9 km at the equator
const CellChars = 5

// cellDegrees is the edge of a CellChars cell in degrees
const cellDegrees = 360.0 / (1 << 13)

// dedupSize bounds the per-subscription memory of delivered versions
const dedupSize = 4096

// Config contains configuration for the bus
type Config struct {
	SubjectPrefix string // e.g. "spatialtag"
	Buffer        int    // per-subscription channel capacity
}

// DefaultConfig returns the default bus settings
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "spatialtag",
		Buffer:        64,
	}
}

// NATSBus implements discovery.EventBus on a NATS connection
type NATSBus struct {
	nc     *nats.Conn
	calc   geo.DistanceCalculator
	config Config
	logger *zap.Logger
}

var _ discovery.EventBus = (*NATSBus)(nil)

// NewNATSBus creates a new event bus
func NewNATSBus(nc *nats.Conn, calc geo.DistanceCalculator, config Config, logger *zap.Logger) *NATSBus {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}
	return &NATSBus{
		nc:     nc,
		calc:   calc,
		config: config,
		logger: logger.Named("events"),
	}
}

// Subject returns the subject an event for a tag in cell is published on
func (b *NATSBus) Subject(cell string, typ discovery.EventType) string {
	return fmt.Sprintf("%s.tags.%s.%s", b.config.SubjectPrefix, cell, typ)
}

// PublishTagEvent publishes event on the subject of the tag's cell, and on
// the subject of its previous cell when it moved between cells
func (b *NATSBus) PublishTagEvent(ctx context.Context, event discovery.TagEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error encoding tag event: %w", err)
	}

	cells := []string{event.Tag.Position.Cell(CellChars)}
	if event.Prior != nil {
		if prior := event.Prior.Cell(CellChars); prior != cells[0] {
			cells = append(cells, prior)
		}
	}

	for _, cell := range cells {
		if err := b.nc.Publish(b.Subject(cell, event.Type), data); err != nil {
			return fmt.Errorf("error publishing tag event: %w", err)
		}
	}
	return nil
}

// SubscribeRegion delivers events for tags within radius meters of center.
// Slow consumers lose events rather than block the connection.
func (b *NATSBus) SubscribeRegion(ctx context.Context, center geo.Position, radius float64) (<-chan discovery.TagEvent, error) {
	out := make(chan discovery.TagEvent, b.config.Buffer)
	seen := expirable.NewLRU[string, uint64](dedupSize, nil, 0)

	var (
		mu     sync.Mutex
		closed bool
	)
	handler := func(msg *nats.Msg) {
		var event discovery.TagEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping malformed tag event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if !b.nearby(event, center, radius) {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		if v, ok := seen.Get(event.TagID); ok && v >= event.Tag.Version {
			return
		}
		seen.Add(event.TagID, event.Tag.Version)

		select {
		case out <- event:
		default:
			b.logger.Warn("tag event subscriber is slow, dropping event", zap.String("tag_id", event.TagID))
		}
	}

	var subs []*nats.Subscription
	for _, subject := range b.regionSubjects(center, radius) {
		sub, err := b.nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("error subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}

// SubscribeAll calls fn for every event published by another replica. It is
// used to keep replica caches coherent.
func (b *NATSBus) SubscribeAll(self string, fn func(discovery.TagEvent)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.config.SubjectPrefix+".tags.>", func(msg *nats.Msg) {
		var event discovery.TagEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping malformed tag event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if self != "" && event.Origin == self {
			return
		}
		fn(event)
	})
	if err != nil {
		return nil, fmt.Errorf("error subscribing to tag events: %w", err)
	}
	return sub.Unsubscribe, nil
}

// regionSubjects lists the subjects covering a circle. The cells under the
// bounding box corners cover any box no larger than a cell; larger boxes
// (near the poles) fall back to every cell.
func (b *NATSBus) regionSubjects(center geo.Position, radius float64) []string {
	box := geo.BoundingBox(center, radius)
	width := box.MaxLng - box.MinLng
	if width < 0 {
		width += 360
	}
	if width > cellDegrees || box.MaxLat-box.MinLat > cellDegrees {
		return []string{b.config.SubjectPrefix + ".tags.*.*"}
	}

	cells := make(map[string]struct{})
	for _, lat := range []float64{box.MinLat, box.MaxLat} {
		for _, lng := range []float64{box.MinLng, box.MaxLng} {
			cells[geohash.EncodeWithPrecision(lat, lng, CellChars)] = struct{}{}
		}
	}

	subjects := make([]string, 0, len(cells))
	for _, cell := range slices.Sorted(maps.Keys(cells)) {
		subjects = append(subjects, fmt.Sprintf("%s.tags.%s.*", b.config.SubjectPrefix, cell))
	}
	return subjects
}

// nearby reports whether the event's tag is, or was just before a move,
// within reach of a subscriber at center
func (b *NATSBus) nearby(event discovery.TagEvent, center geo.Position, radius float64) bool {
	within := func(p geo.Position) bool {
		m, err := b.calc.Distance(center, p, false)
		return err == nil && m.Raw <= radius
	}
	return within(event.Tag.Position) || (event.Prior != nil && within(*event.Prior))
}
