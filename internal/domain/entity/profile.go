// internal/domain/entity/profile.go

package entity

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/geo"
)

// MaxLocationHistory bounds the positions retained on a profile
const MaxLocationHistory = 20

// PrivacySettings are the owner's disclosure preferences
type PrivacySettings struct {
	ProfileVisibility  PrivacyTier `json:"profile_visibility"`
	LocationSharing    bool        `json:"location_sharing"`
	ActivityVisibility PrivacyTier `json:"activity_visibility"`
}

// DefaultPrivacySettings returns the settings assigned to new profiles
func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{
		ProfileVisibility:  TierPublic,
		LocationSharing:    true,
		ActivityVisibility: TierConnections,
	}
}

// DeviceInfo describes the client device reporting positions
type DeviceInfo struct {
	Model          string `json:"model"`
	OS             string `json:"os"`
	AppVersion     string `json:"app_version"`
	HasDepthSensor bool   `json:"has_depth_sensor"`
}

// Profile is the discoverable presence of a user
type Profile struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"display_name,omitempty"`
	Position        geo.Position      `json:"position"`
	Status          StatusLevel       `json:"status"`
	Settings        PrivacySettings   `json:"settings"`
	IsVisible       bool              `json:"is_visible"`
	Points          int64             `json:"points"`
	Preferences     map[string]string `json:"preferences,omitempty"`
	Device          *DeviceInfo       `json:"device,omitempty"`
	LocationHistory []geo.Position    `json:"location_history,omitempty"`
	LastSeen        time.Time         `json:"last_seen"`
	ExpiresAt       time.Time         `json:"expires_at"`
	State           State             `json:"state"`
	Version         uint64            `json:"version"`
}

// Validate checks the profile invariants
func (p Profile) Validate() error {
	if p.ID == "" {
		return apperr.WithField(apperr.CodeInvalidArgument, "id", "profile id is required")
	}
	if err := p.Position.Validate(); err != nil {
		return err
	}
	if _, ok := ParseStatusLevel(string(p.Status)); !ok {
		return apperr.WithField(apperr.CodeInvalidArgument, "status", fmt.Sprintf("unknown status level %q", p.Status))
	}
	if !p.Settings.ProfileVisibility.Valid() {
		return apperr.WithField(apperr.CodeInvalidArgument, "settings.profile_visibility",
			fmt.Sprintf("unknown profile visibility %q", p.Settings.ProfileVisibility))
	}
	if !p.Settings.ActivityVisibility.Valid() {
		return apperr.WithField(apperr.CodeInvalidArgument, "settings.activity_visibility",
			fmt.Sprintf("unknown activity visibility %q", p.Settings.ActivityVisibility))
	}
	return nil
}

// Clone returns a deep copy of the profile
func (p Profile) Clone() Profile {
	p.Position = p.Position.Normalize()
	p.Preferences = maps.Clone(p.Preferences)
	if p.Device != nil {
		d := *p.Device
		p.Device = &d
	}
	if p.LocationHistory != nil {
		history := make([]geo.Position, len(p.LocationHistory))
		for i, pos := range p.LocationHistory {
			history[i] = pos.Normalize()
		}
		p.LocationHistory = history
	}
	return p
}

// Moved returns a copy of p at the new position, pushing the previous one
// onto the bounded location history
func (p Profile) Moved(to geo.Position, seen time.Time, ttl time.Duration) Profile {
	next := p.Clone()
	if !p.LastSeen.IsZero() {
		next.LocationHistory = append(next.LocationHistory, p.Position)
		if n := len(next.LocationHistory); n > MaxLocationHistory {
			next.LocationHistory = slices.Clone(next.LocationHistory[n-MaxLocationHistory:])
		}
	}
	next.Position = to
	next.LastSeen = seen
	next.ExpiresAt = seen.Add(ttl)
	next.State = StateActive
	return next
}
