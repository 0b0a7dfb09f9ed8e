// internal/service/discovery/stream.go

package discovery

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/proximity"
	"spatialtag/internal/service/visibility"
)

// SubscribeTagUpdates streams changes to tags around the requested position
// until ctx ends. Each change passes the same visibility and privacy rules
// as a nearby query.
func (s *Service) SubscribeTagUpdates(ctx context.Context, caller discovery.Caller, req discovery.NearbyRequest) (updates <-chan discovery.TagUpdate, err error) {
	_, end := s.begin(ctx, "subscribe_tag_updates", attribute.Float64("radius", req.Radius))
	defer func() { end(err) }()

	if err := proximity.ValidateQuery(req.Position, req.Radius); err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, apperr.New(apperr.CodeUnavailable, "tag update streaming is not configured")
	}
	if err := s.allow(ctx, "stream", caller); err != nil {
		return nil, err
	}

	center := req.Position.Normalize()
	events, err := s.events.SubscribeRegion(ctx, center, req.Radius)
	if err != nil {
		return nil, apperr.Internal("error subscribing to tag events", err)
	}

	requester := s.requester(ctx, caller, center)
	out := make(chan discovery.TagUpdate, s.config.StreamBuffer)

	go func() {
		defer close(out)
		for event := range events {
			update, ok := s.disclose(event, requester, req.Radius)
			if !ok {
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
		s.logger.Debug("tag update stream closed", zap.String("caller_id", caller.ID))
	}()

	return out, nil
}

// disclose converts an event into what the requester may see of it
func (s *Service) disclose(event discovery.TagEvent, req visibility.Requester, radius float64) (discovery.TagUpdate, bool) {
	update := discovery.TagUpdate{
		Type:  event.Type,
		TagID: event.TagID,
		At:    event.At,
	}

	if event.Removed() {
		// Only announce removals of tags the requester could have seen
		live := event.Tag.Clone()
		live.State = entity.StateActive
		live.ExpiresAt = s.clock.Now().AddDate(0, 0, 1)
		if !s.policy.Evaluate(entity.TagRecord(live), req, radius).Visible {
			return discovery.TagUpdate{}, false
		}
		return update, true
	}

	d := s.policy.Evaluate(entity.TagRecord(event.Tag), req, radius)
	if !d.Visible {
		// Tell the requester when an update takes a tag they could see out of view
		if event.Previous != nil && s.policy.IsVisible(entity.TagRecord(*event.Previous), req, radius) {
			return update, true
		}
		return discovery.TagUpdate{}, false
	}
	update.Tag = s.privacy.ApplyTag(event.Tag, req.CallerID, req.Privacy, d.Distance)
	update.Distance = d.Distance
	return update, true
}
