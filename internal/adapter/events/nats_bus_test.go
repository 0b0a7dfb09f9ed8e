package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	geoService "spatialtag/internal/service/geo"
)

func newTestBus(t *testing.T) *NATSBus {
	t.Helper()
	logger := zap.NewNop()

	srv, err := StartEmbedded(EmbeddedConfig{Port: -1}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := Connect(srv.ClientURL(), "test", logger)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return NewNATSBus(nc, geoService.NewCalculator(), DefaultConfig(), logger)
}

func tagAt(t *testing.T, id string, pos geo.Position, version uint64) entity.Tag {
	t.Helper()
	return entity.Tag{
		ID:               id,
		CreatorID:        "creator",
		Position:         pos,
		VisibilityRadius: 50,
		Visibility:       entity.VisibilityPublic,
		State:            entity.StateActive,
		Version:          version,
	}
}

func receive(t *testing.T, ch <-chan discovery.TagEvent) discovery.TagEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return discovery.TagEvent{}
	}
}

func assertQuiet(t *testing.T, ch <-chan discovery.TagEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.TagID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegionSubscriptionReceivesNearbyEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	center, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	events, err := bus.SubscribeRegion(ctx, center, 50)
	require.NoError(t, err)
	require.NoError(t, bus.nc.Flush())

	near := tagAt(t, "near", geo.Destination(center, 45, 20), 1)
	far := tagAt(t, "far", geo.Destination(center, 45, 500), 1)

	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{Type: discovery.EventCreated, TagID: far.ID, Tag: far}))
	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{Type: discovery.EventCreated, TagID: near.ID, Tag: near}))

	ev := receive(t, events)
	assert.Equal(t, "near", ev.TagID)
	assert.Equal(t, discovery.EventCreated, ev.Type)
	assertQuiet(t, events)
}

func TestRegionSubscriptionSeesMovesAcrossCells(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	center, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	events, err := bus.SubscribeRegion(ctx, center, 50)
	require.NoError(t, err)
	require.NoError(t, bus.nc.Flush())

	// A tag leaving the neighborhood is announced in its old cell
	moved := tagAt(t, "mover", geo.Destination(center, 90, 20000), 2)
	prior := geo.Destination(center, 90, 10)
	require.NotEqual(t, prior.Cell(CellChars), moved.Position.Cell(CellChars))

	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{
		Type:  discovery.EventUpdated,
		TagID: moved.ID,
		Tag:   moved,
		Prior: &prior,
	}))

	ev := receive(t, events)
	assert.Equal(t, "mover", ev.TagID)
	assertQuiet(t, events)
}

func TestRegionSubscriptionDropsStaleVersions(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	center, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	events, err := bus.SubscribeRegion(ctx, center, 50)
	require.NoError(t, err)
	require.NoError(t, bus.nc.Flush())

	tag := tagAt(t, "t", center, 3)
	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{Type: discovery.EventUpdated, TagID: "t", Tag: tag}))
	assert.Equal(t, uint64(3), receive(t, events).Tag.Version)

	tag.Version = 2
	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{Type: discovery.EventUpdated, TagID: "t", Tag: tag}))
	assertQuiet(t, events)
}

func TestRegionSubscriptionClosesOnCancel(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	center, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	events, err := bus.SubscribeRegion(ctx, center, 50)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeAllSkipsOwnEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	got := make(chan discovery.TagEvent, 4)
	unsubscribe, err := bus.SubscribeAll("replica-a", func(ev discovery.TagEvent) { got <- ev })
	require.NoError(t, err)
	defer func() { _ = unsubscribe() }()
	require.NoError(t, bus.nc.Flush())

	center, err := geo.NewPosition(-33.8688, 151.2093, 0)
	require.NoError(t, err)
	tag := tagAt(t, "t", center, 1)

	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{Type: discovery.EventCreated, TagID: "own", Tag: tag, Origin: "replica-a"}))
	require.NoError(t, bus.PublishTagEvent(ctx, discovery.TagEvent{Type: discovery.EventCreated, TagID: "other", Tag: tag, Origin: "replica-b"}))

	select {
	case ev := <-got:
		assert.Equal(t, "other", ev.TagID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRegionSubjectsNearPoleUseWildcard(t *testing.T) {
	bus := &NATSBus{config: DefaultConfig()}

	pole, err := geo.NewPosition(89.9999, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"spatialtag.tags.*.*"}, bus.regionSubjects(pole, 50))

	city, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	subjects := bus.regionSubjects(city, 50)
	assert.NotEmpty(t, subjects)
	assert.LessOrEqual(t, len(subjects), 4)
	assert.Contains(t, subjects, "spatialtag.tags."+city.Cell(CellChars)+".*")
}
