// internal/service/discovery/profiles.go

package discovery

import (
	"context"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

// loadProfile returns the caller's stored profile, or false when none
// exists yet. The caller holds the profile's lock.
func (s *Service) loadProfile(ctx context.Context, id string) (entity.Profile, uint64, bool, error) {
	rec, err := s.index.Get(ctx, id)
	if isNotFound(err) {
		return entity.Profile{}, 0, false, nil
	}
	if err != nil {
		return entity.Profile{}, 0, false, apperr.Internal("error loading profile", err)
	}
	if rec.Kind != entity.KindProfile || rec.Profile == nil {
		return entity.Profile{}, 0, false, apperr.New(apperr.CodeInternal, "entity id is not a profile")
	}
	return rec.Profile.Clone(), rec.Version, true, nil
}

func newProfile(caller discovery.Caller) entity.Profile {
	return entity.Profile{
		ID:        caller.ID,
		Status:    caller.Status,
		Settings:  entity.DefaultPrivacySettings(),
		IsVisible: true,
		State:     entity.StateActive,
	}
}

// storeProfile writes p as the next version and evicts cache entries near
// its old and new positions
func (s *Service) storeProfile(ctx context.Context, p entity.Profile, version uint64, prior *geo.Position) (*entity.Profile, error) {
	if p.Status == "" {
		p.Status = entity.StatusRegular
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Version = version + 1

	if err := s.index.Upsert(ctx, entity.ProfileRecord(p)); err != nil {
		return nil, apperr.Internal("error storing profile", err)
	}
	if prior != nil {
		s.invalidate(p.ID, *prior, p.Position)
	} else {
		s.invalidate(p.ID, p.Position)
	}

	out := p.Clone()
	return &out, nil
}

// UpsertProfile creates or updates the caller's profile. Status always comes
// from the caller identity, never from the request body.
func (s *Service) UpsertProfile(ctx context.Context, caller discovery.Caller, req discovery.UpsertProfileRequest) (profile *entity.Profile, err error) {
	ctx, end := s.begin(ctx, "upsert_profile", attribute.String("caller.id", caller.ID))
	defer func() { end(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "profile", caller); err != nil {
		return nil, err
	}
	if req.Position != nil {
		if err := req.Position.Validate(); err != nil {
			return nil, err
		}
	}

	unlock := s.lock(caller.ID)
	defer unlock()

	p, version, exists, err := s.loadProfile(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if req.Position == nil {
			return nil, apperr.WithField(apperr.CodeInvalidArgument, "position", "position is required for a new profile")
		}
		p = newProfile(caller)
	}

	now := s.clock.Now()
	var prior *geo.Position
	if exists {
		pos := p.Position
		prior = &pos
	}

	// Apply requested changes
	p.Status = caller.Status
	if req.DisplayName != nil {
		p.DisplayName = *req.DisplayName
	}
	if req.Settings != nil {
		p.Settings = *req.Settings
	}
	if req.IsVisible != nil {
		p.IsVisible = *req.IsVisible
	}
	if req.Preferences != nil {
		p.Preferences = maps.Clone(req.Preferences)
	}
	if req.Device != nil {
		d := *req.Device
		p.Device = &d
	}
	if req.Position != nil {
		p = p.Moved(stamp(*req.Position, now), now, s.config.ProfileTTL)
	}

	return s.storeProfile(ctx, p, version, prior)
}

// UpdateLocation refreshes the caller's position, creating a default profile
// on first report
func (s *Service) UpdateLocation(ctx context.Context, caller discovery.Caller, pos geo.Position) (profile *entity.Profile, err error) {
	ctx, end := s.begin(ctx, "update_location", attribute.String("caller.id", caller.ID))
	defer func() { end(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "location", caller); err != nil {
		return nil, err
	}

	unlock := s.lock(caller.ID)
	defer unlock()

	p, version, exists, err := s.loadProfile(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	var prior *geo.Position
	if exists {
		old := p.Position
		prior = &old
	} else {
		p = newProfile(caller)
	}
	if caller.Status != "" {
		p.Status = caller.Status
	}

	now := s.clock.Now()
	return s.storeProfile(ctx, p.Moved(stamp(pos, now), now, s.config.ProfileTTL), version, prior)
}

// FindNearbyProfiles returns profiles visible to the caller, nearest first
func (s *Service) FindNearbyProfiles(ctx context.Context, caller discovery.Caller, req discovery.NearbyRequest) (resp *discovery.NearbyProfilesResponse, err error) {
	ctx, end := s.begin(ctx, "find_nearby_profiles", attribute.Float64("radius", req.Radius))
	defer func() { end(err) }()

	if err := proximity.ValidateQuery(req.Position, req.Radius); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "nearby", caller); err != nil {
		return nil, err
	}

	center := req.Position.Normalize()
	requester := s.requester(ctx, caller, center)
	hits, err := s.nearby(ctx, center, req.Radius, s.policy.IndexFilter(entity.KindProfile, requester))
	if err != nil {
		return nil, err
	}

	profiles := make([]discovery.NearbyProfile, 0, min(len(hits), s.config.MaxResults))
	for _, h := range hits {
		d := s.policy.Evaluate(h.Record, requester, req.Radius)
		if !d.Visible {
			continue
		}
		disclosed := s.privacy.ApplyProfile(*h.Record.Profile, requester.Privacy, d.Distance)
		if disclosed == nil {
			continue
		}
		profiles = append(profiles, discovery.NearbyProfile{Profile: *disclosed, Distance: d.Distance})
	}

	sortByDistance(profiles,
		func(p discovery.NearbyProfile) float64 { return p.Distance },
		func(p discovery.NearbyProfile) string { return p.Profile.ID })
	if limit := s.limit(req.Limit); len(profiles) > limit {
		profiles = profiles[:limit]
	}

	return &discovery.NearbyProfilesResponse{
		Profiles:           profiles,
		SearchRadiusMeters: req.Radius,
		Timestamp:          s.clock.Now(),
	}, nil
}

// stamp normalizes a reported position, defaulting its record time to now
func stamp(pos geo.Position, now time.Time) geo.Position {
	out := pos.Normalize()
	if out.RecordedAt.IsZero() {
		out.RecordedAt = now
	}
	return out
}
