package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/geo"
)

func TestProfileValidate(t *testing.T) {
	t.Parallel()

	pos, err := geo.NewPosition(1, 1, 0)
	require.NoError(t, err)

	p := Profile{ID: "u", Position: pos, Settings: DefaultPrivacySettings()}
	assert.NoError(t, p.Validate())

	p.Status = "legendary"
	assert.ErrorIs(t, p.Validate(), apperr.ErrInvalidArgument)

	p.Status = StatusElite
	p.Settings.ProfileVisibility = "friends"
	assert.ErrorIs(t, p.Validate(), apperr.ErrInvalidArgument)
}

func TestProfileMovedKeepsBoundedHistory(t *testing.T) {
	t.Parallel()

	start, _ := geo.NewPosition(0, 0, 0)
	p := Profile{ID: "u", Position: start, Settings: DefaultPrivacySettings()}
	seen := time.Unix(1_700_000_000, 0)

	p = p.Moved(start, seen, time.Minute)
	assert.Empty(t, p.LocationHistory)
	assert.Equal(t, seen.Add(time.Minute), p.ExpiresAt)

	for i := 1; i <= MaxLocationHistory+5; i++ {
		next, _ := geo.NewPosition(float64(i)/1000, 0, 0)
		prev := p
		p = p.Moved(next, seen.Add(time.Duration(i)*time.Second), time.Minute)
		assert.Len(t, prev.LocationHistory, min(i-1, MaxLocationHistory))
	}
	require.Len(t, p.LocationHistory, MaxLocationHistory)
	assert.InDelta(t, float64(MaxLocationHistory+4)/1000, p.LocationHistory[MaxLocationHistory-1].Latitude, 1e-12)
	assert.Equal(t, StateActive, p.State)
}
