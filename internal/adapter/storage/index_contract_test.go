package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sfPosition(t *testing.T) geo.Position {
	t.Helper()
	p, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	return p
}

func testTag(id string, pos geo.Position, ttl time.Duration) entity.Tag {
	return entity.Tag{
		ID:               id,
		CreatorID:        "creator-" + id,
		Position:         pos,
		Content:          "content " + id,
		VisibilityRadius: 50,
		Visibility:       entity.VisibilityPublic,
		State:            entity.StateActive,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
		ExpiresAt:        testNow.Add(ttl),
		Metadata:         map[string]string{"source": "test"},
		Version:          1,
	}
}

// runIndexContract exercises behavior every proximity.Index backend shares
func runIndexContract(t *testing.T, newIndex func(t *testing.T) proximity.Index) {
	ctx := context.Background()
	tagFilter := proximity.Filter{Kind: entity.KindTag, Now: testNow}

	t.Run("query finds records within radius only", func(t *testing.T) {
		idx := newIndex(t)
		center := sfPosition(t)
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag("near", center, time.Hour))))
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag("mid", geo.Destination(center, 90, 20), time.Hour))))

		hits, err := idx.Query(ctx, center, 50, tagFilter)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "near", hits[0].Record.ID)
		assert.Equal(t, "mid", hits[1].Record.ID)
		assert.InDelta(t, 20, hits[1].Distance, 0.1)
		require.NotNil(t, hits[0].Record.Tag)
		assert.Equal(t, "content near", hits[0].Record.Tag.Content)
		assert.Equal(t, "test", hits[0].Record.Tag.Metadata["source"])

		hits, err = idx.Query(ctx, geo.Destination(center, 270, 60), 50, tagFilter)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("query rejects oversized radius", func(t *testing.T) {
		idx := newIndex(t)
		_, err := idx.Query(ctx, sfPosition(t), 50.01, tagFilter)
		assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	})

	t.Run("query applies filter", func(t *testing.T) {
		idx := newIndex(t)
		center := sfPosition(t)

		expired := testTag("expired", center, -time.Minute)
		restricted := testTag("restricted", center, time.Hour)
		restricted.Visibility = entity.VisibilityStatusRestricted
		deleted := testTag("deleted", center, time.Hour)
		deleted.State = entity.StateDeleted
		for _, tg := range []entity.Tag{expired, restricted, deleted, testTag("ok", center, time.Hour)} {
			require.NoError(t, idx.Upsert(ctx, entity.TagRecord(tg)))
		}
		require.NoError(t, idx.Upsert(ctx, entity.ProfileRecord(entity.Profile{
			ID:        "profile",
			Position:  center,
			Settings:  entity.DefaultPrivacySettings(),
			IsVisible: true,
			State:     entity.StateActive,
			ExpiresAt: testNow.Add(time.Hour),
		})))

		f := tagFilter
		f.Visibilities = []entity.Visibility{entity.VisibilityPublic, entity.VisibilityPrivate}
		hits, err := idx.Query(ctx, center, 10, f)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "ok", hits[0].Record.ID)

		f.ExcludeOwner = "creator-ok"
		hits, err = idx.Query(ctx, center, 10, f)
		require.NoError(t, err)
		assert.Empty(t, hits)

		hits, err = idx.Query(ctx, center, 10, proximity.Filter{Kind: entity.KindProfile, Now: testNow})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		require.NotNil(t, hits[0].Record.Profile)
		assert.True(t, hits[0].Record.Profile.IsVisible)
	})

	t.Run("query honors limit", func(t *testing.T) {
		idx := newIndex(t)
		center := sfPosition(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag(fmt.Sprintf("t%d", i), geo.Destination(center, 0, float64(i)), time.Hour))))
		}
		f := tagFilter
		f.Limit = 3
		hits, err := idx.Query(ctx, center, 50, f)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "t0", hits[0].Record.ID)
		assert.Equal(t, "t2", hits[2].Record.ID)
	})

	t.Run("upsert moves and ignores stale versions", func(t *testing.T) {
		idx := newIndex(t)
		center := sfPosition(t)
		tg := testTag("mover", center, time.Hour)
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(tg)))

		far := geo.Destination(center, 0, 5000)
		moved := tg.Clone()
		moved.Position = far
		moved.Version = 2
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(moved)))

		hits, err := idx.Query(ctx, center, 50, tagFilter)
		require.NoError(t, err)
		assert.Empty(t, hits)
		hits, err = idx.Query(ctx, far, 50, tagFilter)
		require.NoError(t, err)
		require.Len(t, hits, 1)

		// The original version arriving late must not win
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(tg)))
		rec, err := idx.Get(ctx, "mover")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), rec.Version)
		assert.InDelta(t, far.Latitude, rec.Position.Latitude, 1e-9)
	})

	t.Run("get and remove", func(t *testing.T) {
		idx := newIndex(t)
		_, err := idx.Get(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag("gone", sfPosition(t), time.Hour))))
		require.NoError(t, idx.Remove(ctx, "gone"))
		require.NoError(t, idx.Remove(ctx, "gone"))
		_, err = idx.Get(ctx, "gone")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("lifecycle secondary index", func(t *testing.T) {
		idx := newIndex(t)
		center := sfPosition(t)
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag("old", center, time.Minute))))
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag("older", center, 30*time.Second))))
		require.NoError(t, idx.Upsert(ctx, entity.TagRecord(testTag("fresh", center, time.Hour))))

		due, err := idx.DueForExpiry(ctx, testNow.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "older", due[0].ID)

		due, err = idx.DueForExpiry(ctx, testNow.Add(2*time.Minute), 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		ok, err := idx.Transition(ctx, "old", entity.StateActive, entity.StateExpired, testNow.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = idx.Transition(ctx, "old", entity.StateActive, entity.StateExpired, testNow.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = idx.Transition(ctx, "missing", entity.StateActive, entity.StateExpired, testNow)
		require.NoError(t, err)
		assert.False(t, ok)

		due, err = idx.DueForExpiry(ctx, testNow.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "older", due[0].ID)

		rec, err := idx.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, entity.StateExpired, rec.State)
		require.NotNil(t, rec.Tag)
		assert.Equal(t, entity.StateExpired, rec.Tag.State)
		assert.Equal(t, uint64(2), rec.Version)

		purge, err := idx.DueForPurge(ctx, testNow.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, purge)
		purge, err = idx.DueForPurge(ctx, testNow.Add(10*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, purge, 1)
		assert.Equal(t, "old", purge[0].ID)
	})
}
