// internal/domain/discovery/service.go

// Package discovery defines the discovery operations and their request and
// response shapes.
package discovery

import (
	"context"
	"time"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
)

const (
	// MaxResults caps a nearby response
	MaxResults = 50

	// MaxBatchSize bounds BatchCreateTags
	MaxBatchSize = 100
)

// Caller identifies the authenticated requester. It is supplied by the
// gateway in front of the service.
type Caller struct {
	ID      string
	Status  entity.StatusLevel
	Privacy entity.PrivacyTier
}

// CreateTagRequest holds the fields a creator supplies for a new tag
type CreateTagRequest struct {
	Position         geo.Position      `json:"position"`
	Content          string            `json:"content"`
	MediaURLs        []string          `json:"media_urls,omitempty"`
	Category         string            `json:"category,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	VisibilityRadius float64           `json:"visibility_radius,omitempty"`
	Visibility       entity.Visibility `json:"visibility,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// UpdateTagRequest holds the fields to change on a tag. Nil fields are left
// untouched.
type UpdateTagRequest struct {
	Position         *geo.Position      `json:"position,omitempty"`
	Content          *string            `json:"content,omitempty"`
	MediaURLs        []string           `json:"media_urls,omitempty"`
	Category         *string            `json:"category,omitempty"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
	VisibilityRadius *float64           `json:"visibility_radius,omitempty"`
	Visibility       *entity.Visibility `json:"visibility,omitempty"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
}

// NearbyRequest describes a proximity query
type NearbyRequest struct {
	Position geo.Position
	Radius   float64 // meters
	Limit    int     // 0 means MaxResults
}

// NearbyTag is a tag disclosed to a requester
type NearbyTag struct {
	Tag      entity.Tag `json:"tag"`
	Distance float64    `json:"distance_meters"`
}

// NearbyTagsResponse is the result of GetNearbyTags
type NearbyTagsResponse struct {
	Tags               []NearbyTag `json:"tags"`
	SearchRadiusMeters float64     `json:"search_radius_meters"`
	Timestamp          time.Time   `json:"timestamp"`
}

// NearbyProfile is a profile disclosed to a requester
type NearbyProfile struct {
	Profile  entity.Profile `json:"profile"`
	Distance float64        `json:"distance_meters"`
}

// NearbyProfilesResponse is the result of FindNearbyProfiles
type NearbyProfilesResponse struct {
	Profiles           []NearbyProfile `json:"profiles"`
	SearchRadiusMeters float64         `json:"search_radius_meters"`
	Timestamp          time.Time       `json:"timestamp"`
}

// BatchItemError reports why one batch item was not created
type BatchItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// BatchCreateResult is the result of BatchCreateTags
type BatchCreateResult struct {
	Created []entity.Tag     `json:"created"`
	Errors  []BatchItemError `json:"errors"`
}

// UpsertProfileRequest holds the caller's profile settings. Nil fields keep
// their current value.
type UpsertProfileRequest struct {
	DisplayName *string                 `json:"display_name,omitempty"`
	Position    *geo.Position           `json:"position,omitempty"`
	Settings    *entity.PrivacySettings `json:"settings,omitempty"`
	IsVisible   *bool                   `json:"is_visible,omitempty"`
	Preferences map[string]string       `json:"preferences,omitempty"`
	Device      *entity.DeviceInfo      `json:"device,omitempty"`
}

// Service defines the discovery operations
type Service interface {
	// CreateTag validates and stores a new tag owned by the caller
	CreateTag(ctx context.Context, caller Caller, req CreateTagRequest) (*entity.Tag, error)

	// GetTag returns a tag visible to the caller
	GetTag(ctx context.Context, caller Caller, id string) (*entity.Tag, error)

	// GetNearbyTags returns the tags visible to the caller, nearest first
	GetNearbyTags(ctx context.Context, caller Caller, req NearbyRequest) (*NearbyTagsResponse, error)

	// UpdateTag changes a tag owned by the caller
	UpdateTag(ctx context.Context, caller Caller, id string, req UpdateTagRequest) (*entity.Tag, error)

	// DeleteTag removes a tag owned by the caller
	DeleteTag(ctx context.Context, caller Caller, id string) error

	// BatchCreateTags creates up to MaxBatchSize tags, reporting failures per item
	BatchCreateTags(ctx context.Context, caller Caller, reqs []CreateTagRequest) (*BatchCreateResult, error)

	// RecordInteraction counts an interaction with a tag the caller can see
	RecordInteraction(ctx context.Context, caller Caller, id string) (*entity.Tag, error)

	// UpsertProfile creates or updates the caller's profile
	UpsertProfile(ctx context.Context, caller Caller, req UpsertProfileRequest) (*entity.Profile, error)

	// UpdateLocation refreshes the caller's position
	UpdateLocation(ctx context.Context, caller Caller, pos geo.Position) (*entity.Profile, error)

	// FindNearbyProfiles returns profiles visible to the caller, nearest first
	FindNearbyProfiles(ctx context.Context, caller Caller, req NearbyRequest) (*NearbyProfilesResponse, error)

	// SubscribeTagUpdates streams tag changes visible to the caller until ctx ends
	SubscribeTagUpdates(ctx context.Context, caller Caller, req NearbyRequest) (<-chan TagUpdate, error)
}
