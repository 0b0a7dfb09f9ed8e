// internal/domain/entity/tag.go

package entity

import (
	"fmt"
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/geo"
)

// Tag constraints
const (
	MaxContentLength    = 1000
	MaxMediaURLs        = 5
	MaxVisibilityRadius = 50.0
	DefaultExpiration   = 24 * time.Hour
)

// Visibility is the visibility class of a tag
type Visibility string

const (
	VisibilityPublic           Visibility = "public"
	VisibilityPrivate          Visibility = "private"
	VisibilityStatusRestricted Visibility = "status_restricted"
)

// Valid reports whether v is a known visibility class
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityStatusRestricted:
		return true
	}
	return false
}

// Tag is a spatial digital marker left by a creator
type Tag struct {
	ID               string            `json:"id"`
	CreatorID        string            `json:"creator_id"`
	Position         geo.Position      `json:"position"`
	Content          string            `json:"content"`
	MediaURLs        []string          `json:"media_urls"`
	Category         string            `json:"category"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	VisibilityRadius float64           `json:"visibility_radius"`
	Visibility       Visibility        `json:"visibility"`
	State            State             `json:"state"`
	InteractionCount int64             `json:"interaction_count"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Version          uint64            `json:"version"`
}

// Validate checks the mutable-field invariants of a tag. Expiration must be
// strictly after now.
func (t Tag) Validate(now time.Time) error {
	if t.CreatorID == "" {
		return apperr.WithField(apperr.CodeInvalidArgument, "creator_id", "creator id is required")
	}
	if err := t.Position.Validate(); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(t.Content); n > MaxContentLength {
		return apperr.WithField(apperr.CodeInvalidArgument, "content",
			fmt.Sprintf("content exceeds maximum length of %d characters (got %d)", MaxContentLength, n))
	}
	if len(t.MediaURLs) > MaxMediaURLs {
		return apperr.WithField(apperr.CodeInvalidArgument, "media_urls",
			fmt.Sprintf("too many media references: at most %d allowed", MaxMediaURLs))
	}
	if !(t.VisibilityRadius > 0 && t.VisibilityRadius <= MaxVisibilityRadius) {
		return apperr.WithField(apperr.CodeInvalidArgument, "visibility_radius",
			fmt.Sprintf("visibility radius must be in (0, %v] meters", MaxVisibilityRadius))
	}
	if !t.Visibility.Valid() {
		return apperr.WithField(apperr.CodeInvalidArgument, "visibility",
			fmt.Sprintf("unknown visibility class %q", t.Visibility))
	}
	if !t.ExpiresAt.After(now) {
		return apperr.WithField(apperr.CodeInvalidArgument, "expires_at", "expiration time must be in the future")
	}
	return nil
}

// Clone returns a deep copy of the tag
func (t Tag) Clone() Tag {
	t.Position = t.Position.Normalize()
	t.MediaURLs = slices.Clone(t.MediaURLs)
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

// IsExpired reports whether the tag is past its expiration at now
func (t Tag) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
