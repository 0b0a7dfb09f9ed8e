package entity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/geo"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validTag(t *testing.T) Tag {
	t.Helper()
	pos, err := geo.NewPosition(37.7749, -122.4194, 0)
	require.NoError(t, err)
	return Tag{
		ID:               "tag-1",
		CreatorID:        "user-1",
		Position:         pos,
		Content:          "hello",
		MediaURLs:        []string{"https://cdn.example/a.jpg"},
		VisibilityRadius: 50,
		Visibility:       VisibilityPublic,
		State:            StateActive,
		ExpiresAt:        now.Add(time.Hour),
		Metadata:         map[string]string{"k": "v"},
	}
}

func TestTagValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Tag)
		field  string
	}{
		{"missing creator", func(tg *Tag) { tg.CreatorID = "" }, "creator_id"},
		{"bad position", func(tg *Tag) { tg.Position.Latitude = 100 }, "latitude"},
		{"content too long", func(tg *Tag) { tg.Content = strings.Repeat("x", MaxContentLength+1) }, "content"},
		{"too many media", func(tg *Tag) { tg.MediaURLs = make([]string, MaxMediaURLs+1) }, "media_urls"},
		{"zero radius", func(tg *Tag) { tg.VisibilityRadius = 0 }, "visibility_radius"},
		{"radius too large", func(tg *Tag) { tg.VisibilityRadius = 50.01 }, "visibility_radius"},
		{"unknown visibility", func(tg *Tag) { tg.Visibility = "friends" }, "visibility"},
		{"expires now", func(tg *Tag) { tg.ExpiresAt = now }, "expires_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg := validTag(t)
			tc.mutate(&tg)
			err := tg.Validate(now)
			var ae *apperr.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, apperr.CodeInvalidArgument, ae.Code)
			assert.Equal(t, tc.field, ae.Metadata["field"])
		})
	}

	assert.NoError(t, validTag(t).Validate(now))
}

func TestTagContentCountsCharacters(t *testing.T) {
	t.Parallel()

	tg := validTag(t)
	tg.Content = strings.Repeat("é", MaxContentLength)
	assert.NoError(t, tg.Validate(now))
}

func TestTagCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := validTag(t)
	c := orig.Clone()
	c.MediaURLs[0] = "changed"
	c.Metadata["k"] = "changed"

	assert.Equal(t, "https://cdn.example/a.jpg", orig.MediaURLs[0])
	assert.Equal(t, "v", orig.Metadata["k"])
}

func TestTagIsExpired(t *testing.T) {
	t.Parallel()

	tg := validTag(t)
	assert.False(t, tg.IsExpired(now))
	assert.True(t, tg.IsExpired(tg.ExpiresAt))
}

func TestRecordWithState(t *testing.T) {
	t.Parallel()

	tg := validTag(t)
	tg.Version = 3
	rec := TagRecord(tg)
	next := rec.WithState(StateExpired, now)

	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, StateActive, rec.Tag.State)
	assert.Equal(t, StateExpired, next.State)
	assert.Equal(t, StateExpired, next.Tag.State)
	assert.Equal(t, uint64(4), next.Version)
	assert.Equal(t, uint64(4), next.Tag.Version)
}
