// internal/service/discovery/tags.go

package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

// CreateTag validates and stores a new tag owned by the caller
func (s *Service) CreateTag(ctx context.Context, caller discovery.Caller, req discovery.CreateTagRequest) (tag *entity.Tag, err error) {
	ctx, end := s.begin(ctx, "create_tag", attribute.String("caller.id", caller.ID))
	defer func() { end(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "create_tag", caller); err != nil {
		return nil, err
	}

	t, err := s.buildTag(caller, req, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.commitTag(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Debug("tag created", zap.String("tag_id", t.ID), zap.String("creator_id", t.CreatorID))
	return &t, nil
}

// buildTag applies defaults to a create request and validates the result
func (s *Service) buildTag(caller discovery.Caller, req discovery.CreateTagRequest, now time.Time) (entity.Tag, error) {
	if err := req.Position.Validate(); err != nil {
		return entity.Tag{}, err
	}
	pos := stamp(req.Position, now)

	t := entity.Tag{
		ID:               uuid.New().String(),
		CreatorID:        caller.ID,
		Position:         pos,
		Content:          req.Content,
		MediaURLs:        slices.Clone(req.MediaURLs),
		Category:         req.Category,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(entity.DefaultExpiration),
		VisibilityRadius: req.VisibilityRadius,
		Visibility:       req.Visibility,
		State:            entity.StateActive,
		Metadata:         maps.Clone(req.Metadata),
		Version:          1,
	}

	// Default missing expiration, radius and visibility
	if req.ExpiresAt != nil {
		t.ExpiresAt = *req.ExpiresAt
	}
	if t.VisibilityRadius == 0 {
		t.VisibilityRadius = entity.MaxVisibilityRadius
	}
	if t.Visibility == "" {
		t.Visibility = entity.VisibilityPublic
	}

	if err := t.Validate(now); err != nil {
		return entity.Tag{}, err
	}
	return t, nil
}

// commitTag stores a new tag, evicts overlapping cache entries and announces it
func (s *Service) commitTag(ctx context.Context, t entity.Tag) error {
	if err := s.index.Upsert(ctx, entity.TagRecord(t)); err != nil {
		return apperr.Internal("error storing tag", err)
	}
	s.invalidate(t.ID, t.Position)
	s.publish(ctx, discovery.EventCreated, t, nil, nil)
	return nil
}

// GetTag returns a tag visible to the caller. Tags the caller may not see are
// reported as not found.
func (s *Service) GetTag(ctx context.Context, caller discovery.Caller, id string) (tag *entity.Tag, err error) {
	ctx, end := s.begin(ctx, "get_tag", attribute.String("tag.id", id))
	defer func() { end(err) }()

	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, apperr.Internal("error loading tag", err)
	}
	if rec.Kind != entity.KindTag || rec.Tag == nil {
		return nil, proximity.NotFound(id)
	}

	if caller.ID != "" && caller.ID == rec.Tag.CreatorID {
		if rec.State == entity.StateDeleted {
			return nil, proximity.NotFound(id)
		}
		out := rec.Tag.Clone()
		return &out, nil
	}

	req := s.requester(ctx, caller, rec.Position)
	if !s.policy.Admits(rec, req) {
		return nil, proximity.NotFound(id)
	}
	return s.privacy.ApplyTag(*rec.Tag, caller.ID, req.Privacy, 0), nil
}

// GetNearbyTags returns the tags visible to the caller, nearest first
func (s *Service) GetNearbyTags(ctx context.Context, caller discovery.Caller, req discovery.NearbyRequest) (resp *discovery.NearbyTagsResponse, err error) {
	ctx, end := s.begin(ctx, "get_nearby_tags", attribute.Float64("radius", req.Radius))
	defer func() { end(err) }()

	if err := proximity.ValidateQuery(req.Position, req.Radius); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "nearby", caller); err != nil {
		return nil, err
	}

	center := req.Position.Normalize()
	requester := s.requester(ctx, caller, center)
	hits, err := s.nearby(ctx, center, req.Radius, s.policy.IndexFilter(entity.KindTag, requester))
	if err != nil {
		return nil, err
	}

	tags := make([]discovery.NearbyTag, 0, min(len(hits), s.config.MaxResults))
	for _, h := range hits {
		d := s.policy.Evaluate(h.Record, requester, req.Radius)
		if !d.Visible {
			continue
		}
		disclosed := s.privacy.ApplyTag(*h.Record.Tag, caller.ID, requester.Privacy, d.Distance)
		tags = append(tags, discovery.NearbyTag{Tag: *disclosed, Distance: d.Distance})
	}

	sortByDistance(tags,
		func(t discovery.NearbyTag) float64 { return t.Distance },
		func(t discovery.NearbyTag) string { return t.Tag.ID })
	if limit := s.limit(req.Limit); len(tags) > limit {
		tags = tags[:limit]
	}

	return &discovery.NearbyTagsResponse{
		Tags:               tags,
		SearchRadiusMeters: req.Radius,
		Timestamp:          s.clock.Now(),
	}, nil
}

// loadOwnedTag fetches a tag for mutation and checks the caller created it.
// The caller holds the tag's lock.
func (s *Service) loadOwnedTag(ctx context.Context, caller discovery.Caller, id string) (entity.Record, error) {
	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return entity.Record{}, apperr.Internal("error loading tag", err)
	}
	if rec.Kind != entity.KindTag || rec.Tag == nil || rec.State == entity.StateDeleted {
		return entity.Record{}, proximity.NotFound(id)
	}
	if rec.Tag.CreatorID != caller.ID {
		return entity.Record{}, apperr.New(apperr.CodePermissionDenied, "only the creator can modify this tag")
	}
	return rec, nil
}

// UpdateTag changes a tag owned by the caller. Updates to one tag are
// serialized, so concurrent requests never merge fields.
func (s *Service) UpdateTag(ctx context.Context, caller discovery.Caller, id string, req discovery.UpdateTagRequest) (tag *entity.Tag, err error) {
	ctx, end := s.begin(ctx, "update_tag", attribute.String("tag.id", id))
	defer func() { end(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "update_tag", caller); err != nil {
		return nil, err
	}
	if req.Position != nil {
		if err := req.Position.Validate(); err != nil {
			return nil, err
		}
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.loadOwnedTag(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t := rec.Tag.Clone()
	prior := t.Position

	// Apply requested changes
	if req.Position != nil {
		t.Position = stamp(*req.Position, now)
	}
	if req.Content != nil {
		t.Content = *req.Content
	}
	if req.MediaURLs != nil {
		t.MediaURLs = slices.Clone(req.MediaURLs)
	}
	if req.Category != nil {
		t.Category = *req.Category
	}
	if req.ExpiresAt != nil {
		t.ExpiresAt = *req.ExpiresAt
		if t.State == entity.StateExpired && t.ExpiresAt.After(now) {
			t.State = entity.StateActive
		}
	}
	if req.VisibilityRadius != nil {
		t.VisibilityRadius = *req.VisibilityRadius
	}
	if req.Visibility != nil {
		t.Visibility = *req.Visibility
	}
	if req.Metadata != nil {
		t.Metadata = maps.Clone(req.Metadata)
	}

	if err := t.Validate(now); err != nil {
		return nil, err
	}
	t.UpdatedAt = now
	t.Version = rec.Version + 1

	if err := s.index.Upsert(ctx, entity.TagRecord(t)); err != nil {
		return nil, apperr.Internal("error storing tag", err)
	}
	s.invalidate(t.ID, prior, t.Position)

	var moved *geo.Position
	if prior.Latitude != t.Position.Latitude || prior.Longitude != t.Position.Longitude {
		moved = &prior
	}
	previous := rec.Tag.Clone()
	s.publish(ctx, discovery.EventUpdated, t, moved, &previous)

	out := t.Clone()
	return &out, nil
}

// DeleteTag removes a tag owned by the caller. The record is kept as deleted
// until the lifecycle retention window purges it.
func (s *Service) DeleteTag(ctx context.Context, caller discovery.Caller, id string) (err error) {
	ctx, end := s.begin(ctx, "delete_tag", attribute.String("tag.id", id))
	defer func() { end(err) }()

	if err := requireCaller(caller); err != nil {
		return err
	}
	if err := s.allow(ctx, "delete_tag", caller); err != nil {
		return err
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.loadOwnedTag(ctx, caller, id)
	if err != nil {
		return err
	}

	deleted := rec.WithState(entity.StateDeleted, s.clock.Now())
	if err := s.index.Upsert(ctx, deleted); err != nil {
		return apperr.Internal("error deleting tag", err)
	}
	s.invalidate(id, rec.Position)
	s.publish(ctx, discovery.EventDeleted, *deleted.Tag, nil, nil)
	return nil
}

// BatchCreateTags creates up to MaxBatchSize tags. Every item is validated
// before any is stored; invalid items and storage failures are reported per
// item while the rest are created.
func (s *Service) BatchCreateTags(ctx context.Context, caller discovery.Caller, reqs []discovery.CreateTagRequest) (result *discovery.BatchCreateResult, err error) {
	ctx, end := s.begin(ctx, "batch_create_tags", attribute.Int("batch.size", len(reqs)))
	defer func() { end(err) }()

	if len(reqs) == 0 {
		return nil, apperr.WithField(apperr.CodeInvalidArgument, "tags", "batch must contain at least one tag")
	}
	if len(reqs) > discovery.MaxBatchSize {
		return nil, apperr.WithField(apperr.CodeInvalidArgument, "tags",
			fmt.Sprintf("batch size %d exceeds maximum of %d", len(reqs), discovery.MaxBatchSize))
	}
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "batch_create_tags", caller); err != nil {
		return nil, err
	}

	// Validate every item before storing any
	now := s.clock.Now()
	tags := make([]*entity.Tag, len(reqs))
	var (
		mu       sync.Mutex
		itemErrs []discovery.BatchItemError
	)
	for i, req := range reqs {
		t, err := s.buildTag(caller, req, now)
		if err != nil {
			itemErrs = append(itemErrs, itemError(i, err))
			continue
		}
		tags[i] = &t
	}

	// Store valid items concurrently
	var g errgroup.Group
	g.SetLimit(s.config.BatchConcurrency)
	for i, t := range tags {
		if t == nil {
			continue
		}
		g.Go(func() error {
			if err := s.commitTag(ctx, *t); err != nil {
				mu.Lock()
				itemErrs = append(itemErrs, itemError(i, err))
				tags[i] = nil
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result = &discovery.BatchCreateResult{
		Created: make([]entity.Tag, 0, len(tags)),
		Errors:  itemErrs,
	}
	for _, t := range tags {
		if t != nil {
			result.Created = append(result.Created, *t)
		}
	}
	slices.SortFunc(result.Errors, func(a, b discovery.BatchItemError) int { return a.Index - b.Index })
	if result.Errors == nil {
		result.Errors = []discovery.BatchItemError{}
	}

	s.logger.Debug("batch created",
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.Errors)))
	return result, nil
}

func itemError(index int, err error) discovery.BatchItemError {
	item := discovery.BatchItemError{
		Index:   index,
		Code:    string(apperr.CodeOf(err)),
		Message: err.Error(),
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		item.Field = e.Metadata["field"]
		item.Message = e.Message
	}
	return item
}

// RecordInteraction counts an interaction with a tag the caller can see
func (s *Service) RecordInteraction(ctx context.Context, caller discovery.Caller, id string) (tag *entity.Tag, err error) {
	ctx, end := s.begin(ctx, "record_interaction", attribute.String("tag.id", id))
	defer func() { end(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "interaction", caller); err != nil {
		return nil, err
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return nil, apperr.Internal("error loading tag", err)
	}
	if rec.Kind != entity.KindTag || rec.Tag == nil {
		return nil, proximity.NotFound(id)
	}
	req := s.requester(ctx, caller, rec.Position)
	if !s.policy.Admits(rec, req) && !(rec.Tag.CreatorID == caller.ID && rec.State == entity.StateActive) {
		return nil, proximity.NotFound(id)
	}

	t := rec.Tag.Clone()
	t.InteractionCount++
	t.UpdatedAt = s.clock.Now()
	t.Version = rec.Version + 1

	if err := s.index.Upsert(ctx, entity.TagRecord(t)); err != nil {
		return nil, apperr.Internal("error storing tag", err)
	}
	s.invalidate(t.ID, t.Position)
	s.publish(ctx, discovery.EventInteracted, t, nil, nil)

	return s.privacy.ApplyTag(t, caller.ID, req.Privacy, 0), nil
}
