// internal/service/visibility/policy.go

// Package visibility decides whether a discovered entity may be shown to a
// requester.
package visibility

import (
	"slices"

	"github.com/benbjohnson/clock"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

// Requester describes the caller a decision is made for
type Requester struct {
	CallerID string
	Status   entity.StatusLevel
	Position geo.Position
	Privacy  entity.PrivacyTier // the requester's own profile visibility
}

// Config contains configuration for the policy
type Config struct {
	// RestrictedGate lists status levels allowed to see status-restricted tags
	RestrictedGate   []entity.StatusLevel
	PreferLocalFrame bool
}

// DefaultConfig gates restricted tags to elite requesters
func DefaultConfig() Config {
	return Config{
		RestrictedGate:   []entity.StatusLevel{entity.StatusElite},
		PreferLocalFrame: true,
	}
}

// Decision is the outcome of a visibility check
type Decision struct {
	Visible  bool
	Distance float64 // meters between requester and entity
}

// Policy evaluates visibility. Expiration is judged against the server clock,
// never a client-supplied time.
type Policy struct {
	calc   geo.DistanceCalculator
	clock  clock.Clock
	config Config
}

// NewPolicy creates a new visibility policy
func NewPolicy(calc geo.DistanceCalculator, clk clock.Clock, config Config) *Policy {
	return &Policy{
		calc:   calc,
		clock:  clk,
		config: config,
	}
}

// IsVisible reports whether rec may be shown to req within radius meters
func (p *Policy) IsVisible(rec entity.Record, req Requester, radius float64) bool {
	return p.Evaluate(rec, req, radius).Visible
}

// Evaluate checks rec against req and reports the distance used
func (p *Policy) Evaluate(rec entity.Record, req Requester, radius float64) Decision {
	if !p.Admits(rec, req) {
		return Decision{}
	}

	m, err := p.calc.Distance(req.Position, rec.Position, p.config.PreferLocalFrame)
	if err != nil || m.Raw > radius {
		return Decision{}
	}
	if rec.Kind == entity.KindTag && m.Raw > rec.Tag.VisibilityRadius {
		return Decision{}
	}
	return Decision{Visible: true, Distance: m.Meters}
}

// Admits applies every rule except distance: lifecycle state, expiration,
// visibility class and profile settings
func (p *Policy) Admits(rec entity.Record, req Requester) bool {
	if rec.State != entity.StateActive || rec.IsExpired(p.clock.Now()) {
		return false
	}

	switch rec.Kind {
	case entity.KindTag:
		if rec.Tag == nil {
			return false
		}
		switch rec.Tag.Visibility {
		case entity.VisibilityPublic:
			return true
		case entity.VisibilityStatusRestricted:
			return p.CanSeeRestricted(req.Status)
		case entity.VisibilityPrivate:
			return req.CallerID != "" && req.CallerID == rec.Tag.CreatorID
		}
		return false
	case entity.KindProfile:
		if rec.Profile == nil || !rec.Profile.IsVisible || !rec.Profile.Settings.LocationSharing {
			return false
		}
		return rec.Profile.ID != req.CallerID
	}
	return false
}

// CanSeeRestricted reports whether status passes the restricted-content gate
func (p *Policy) CanSeeRestricted(status entity.StatusLevel) bool {
	return slices.Contains(p.config.RestrictedGate, status)
}

// IndexFilter builds the storage-layer filter for a requester. Private tags
// and the requester's own profile stay in the candidate set; Evaluate drops
// them per requester.
func (p *Policy) IndexFilter(kind entity.Kind, req Requester) proximity.Filter {
	f := proximity.Filter{
		Kind: kind,
		Now:  p.clock.Now(),
	}
	switch kind {
	case entity.KindTag:
		f.Visibilities = []entity.Visibility{entity.VisibilityPublic, entity.VisibilityPrivate}
		if p.CanSeeRestricted(req.Status) {
			f.Visibilities = append(f.Visibilities, entity.VisibilityStatusRestricted)
		}
	}
	return f
}
