// internal/domain/discovery/event.go

package discovery

import (
	"context"
	"time"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
)

// EventType defines the kind of tag change
type EventType string

const (
	EventCreated    EventType = "created"
	EventUpdated    EventType = "updated"
	EventDeleted    EventType = "deleted"
	EventExpired    EventType = "expired"
	EventInteracted EventType = "interacted"
)

// TagEvent is a change to a tag, published to every replica
type TagEvent struct {
	Type   EventType     `json:"type"`
	TagID  string        `json:"tag_id"`
	Tag    entity.Tag    `json:"tag"`
	Origin string        `json:"origin,omitempty"` // publishing replica
	At     time.Time     `json:"at"`
	Prior  *geo.Position `json:"prior,omitempty"` // position before a move

	// Previous is the revision an update replaced
	Previous *entity.Tag `json:"previous,omitempty"`
}

// Removed reports whether the event takes the tag out of view
func (e TagEvent) Removed() bool {
	return e.Type == EventDeleted || e.Type == EventExpired
}

// TagUpdate is a tag change delivered to a subscriber. Tag is nil for
// removals, including updates that take the tag out of the subscriber's view.
type TagUpdate struct {
	Type     EventType   `json:"type"`
	TagID    string      `json:"tag_id"`
	Tag      *entity.Tag `json:"tag,omitempty"`
	Distance float64     `json:"distance_meters,omitempty"`
	At       time.Time   `json:"at"`
}

// EventPublisher publishes tag events
type EventPublisher interface {
	PublishTagEvent(ctx context.Context, event TagEvent) error
}

// EventBus publishes tag events and delivers those near a position
type EventBus interface {
	EventPublisher

	// SubscribeRegion delivers events for tags within radius meters of center
	// until ctx is done, then closes the channel
	SubscribeRegion(ctx context.Context, center geo.Position, radius float64) (<-chan TagEvent, error)
}
