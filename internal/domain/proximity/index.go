// internal/domain/proximity/index.go

// Package proximity defines the geospatial index contract shared by every
// storage backend.
package proximity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
)

const (
	// MaxRadius is the largest query radius in meters
	MaxRadius = 50.0

	// MaxHitsPerQuery bounds a single index scan
	MaxHitsPerQuery = 1000
)

// Filter restricts an index query. Backends apply it at the storage layer.
type Filter struct {
	Kind         entity.Kind
	Now          time.Time           // entities expiring at or before Now are excluded; zero disables
	Visibilities []entity.Visibility // allowed tag classes; empty allows all
	ExcludeOwner string              // drop entities owned by this id
	Limit        int                 // 0 means MaxHitsPerQuery
}

// Match reports whether rec passes the filter. Only active records match.
func (f Filter) Match(rec entity.Record) bool {
	if rec.State != entity.StateActive {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if !f.Now.IsZero() && rec.IsExpired(f.Now) {
		return false
	}
	if f.ExcludeOwner != "" && rec.OwnerID == f.ExcludeOwner {
		return false
	}
	if len(f.Visibilities) > 0 && rec.Tag != nil && !slices.Contains(f.Visibilities, rec.Tag.Visibility) {
		return false
	}
	return true
}

// MaxHits returns the effective result limit
func (f Filter) MaxHits() int {
	if f.Limit <= 0 || f.Limit > MaxHitsPerQuery {
		return MaxHitsPerQuery
	}
	return f.Limit
}

// Signature is a stable description of the filter for cache keys. Now is
// excluded since it changes on every call.
func (f Filter) Signature() string {
	vis := make([]string, len(f.Visibilities))
	for i, v := range f.Visibilities {
		vis[i] = string(v)
	}
	slices.Sort(vis)
	return fmt.Sprintf("%s|%s|%s|%d", f.Kind, strings.Join(vis, ","), f.ExcludeOwner, f.MaxHits())
}

// Hit is a query result
type Hit struct {
	Record   entity.Record
	Distance float64 // meters from the query center
}

// Index is a geospatially indexed store of entities. Records returned by an
// Index are shared snapshots and must not be modified.
type Index interface {
	// Query returns active records within radius meters of center that pass
	// the filter, nearest first
	Query(ctx context.Context, center geo.Position, radius float64, filter Filter) ([]Hit, error)

	// Upsert stores rec. A record older than the stored version is ignored.
	Upsert(ctx context.Context, rec entity.Record) error

	// Remove deletes a record. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error

	// Get returns a record by id or an apperr NotFound error
	Get(ctx context.Context, id string) (entity.Record, error)

	// DueForExpiry returns up to limit active records whose expiration is at or before now
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]entity.Record, error)

	// DueForPurge returns up to limit expired or deleted records last updated at or before cutoff
	DueForPurge(ctx context.Context, cutoff time.Time, limit int) ([]entity.Record, error)

	// Transition moves a record from one state to another at the given time.
	// It returns false without error when the record is missing or not in from.
	Transition(ctx context.Context, id string, from, to entity.State, at time.Time) (bool, error)
}

// ValidateRadius checks a query radius
func ValidateRadius(radius float64) error {
	if !(radius > 0 && radius <= MaxRadius) {
		return apperr.WithField(apperr.CodeInvalidArgument, "radius",
			fmt.Sprintf("radius must be in (0, %v] meters", MaxRadius))
	}
	return nil
}

// ValidateQuery checks a query center and radius
func ValidateQuery(center geo.Position, radius float64) error {
	if err := center.Validate(); err != nil {
		return err
	}
	return ValidateRadius(radius)
}

// NotFound builds the error returned for unknown ids
func NotFound(id string) error {
	return apperr.WithField(apperr.CodeNotFound, "id", fmt.Sprintf("entity %s not found", id))
}

// SortHits orders hits nearest first, breaking ties by id, and applies the limit
func SortHits(hits []Hit, limit int) []Hit {
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return strings.Compare(a.Record.ID, b.Record.ID)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
