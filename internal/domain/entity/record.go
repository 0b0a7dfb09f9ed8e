// internal/domain/entity/record.go

package entity

import (
	"time"

	"spatialtag/internal/domain/geo"
)

// Record is the unit stored in a proximity index. A record is a snapshot:
// once handed to an index it is never modified, a change produces a new
// record with a higher Version.
type Record struct {
	ID        string       `json:"id"`
	Kind      Kind         `json:"kind"`
	OwnerID   string       `json:"owner_id"`
	Position  geo.Position `json:"position"`
	State     State        `json:"state"`
	ExpiresAt time.Time    `json:"expires_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Version   uint64       `json:"version"`

	Tag     *Tag     `json:"tag,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

// TagRecord wraps a tag for indexing
func TagRecord(t Tag) Record {
	c := t.Clone()
	return Record{
		ID:        c.ID,
		Kind:      KindTag,
		OwnerID:   c.CreatorID,
		Position:  c.Position,
		State:     c.State,
		ExpiresAt: c.ExpiresAt,
		UpdatedAt: c.UpdatedAt,
		Version:   c.Version,
		Tag:       &c,
	}
}

// ProfileRecord wraps a profile for indexing
func ProfileRecord(p Profile) Record {
	c := p.Clone()
	return Record{
		ID:        c.ID,
		Kind:      KindProfile,
		OwnerID:   c.ID,
		Position:  c.Position,
		State:     c.State,
		ExpiresAt: c.ExpiresAt,
		UpdatedAt: c.LastSeen,
		Version:   c.Version,
		Profile:   &c,
	}
}

// WithState returns a copy of r moved to state s at time at, bumping the version
func (r Record) WithState(s State, at time.Time) Record {
	out := r
	out.State = s
	out.UpdatedAt = at
	out.Version = r.Version + 1
	switch {
	case r.Tag != nil:
		t := r.Tag.Clone()
		t.State = s
		t.UpdatedAt = at
		t.Version = out.Version
		out.Tag = &t
	case r.Profile != nil:
		p := r.Profile.Clone()
		p.State = s
		p.Version = out.Version
		out.Profile = &p
	}
	return out
}

// IsExpired reports whether r is past its expiration at now
func (r Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
