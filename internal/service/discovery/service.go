// internal/service/discovery/service.go

// Package discovery orchestrates tag and profile discovery: validation, the
// proximity cache and index, visibility and privacy, and change events.
package discovery

import (
	"context"
	"hash/maphash"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
	"spatialtag/internal/service/privacy"
	proxcache "spatialtag/internal/service/proximity"
	"spatialtag/internal/service/ratelimit"
	"spatialtag/internal/service/visibility"
)

// Operation outcomes reported to the recorder
const (
	StatusSuccess          = "success"
	StatusValidationFailed = "validation_failed"
	StatusFailed           = "failed"
)

const lockStripes = 256

// Recorder receives operation outcomes. Implementations must not block.
type Recorder interface {
	Operation(op, status string, elapsed time.Duration)
}

// Config contains configuration for the discovery service
type Config struct {
	MaxResults       int
	ProfileTTL       time.Duration // how long a reported position stays discoverable
	BatchConcurrency int
	StreamBuffer     int
	ReplicaID        string // stamped on published events
}

// DefaultConfig returns the default service settings
func DefaultConfig() Config {
	return Config{
		MaxResults:       discovery.MaxResults,
		ProfileTTL:       5 * time.Minute,
		BatchConcurrency: 8,
		StreamBuffer:     32,
	}
}

// Deps are the collaborators of the service. Cache, Events, Limiter and
// Recorder are optional.
type Deps struct {
	Index    proximity.Index
	Cache    *proxcache.Cache
	Policy   *visibility.Policy
	Privacy  *privacy.Filter
	Events   discovery.EventBus
	Limiter  *ratelimit.Limiter
	Recorder Recorder
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Service implements the discovery.Service interface
type Service struct {
	index    proximity.Index
	cache    *proxcache.Cache
	policy   *visibility.Policy
	privacy  *privacy.Filter
	events   discovery.EventBus
	limiter  *ratelimit.Limiter
	recorder Recorder
	clock    clock.Clock
	tracer   trace.Tracer
	config   Config
	logger   *zap.Logger

	seed  maphash.Seed
	locks [lockStripes]sync.Mutex
}

var _ discovery.Service = (*Service)(nil)

// NewService creates a new discovery service
func NewService(deps Deps, config Config) *Service {
	if config.MaxResults <= 0 || config.MaxResults > discovery.MaxResults {
		config.MaxResults = discovery.MaxResults
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = DefaultConfig().BatchConcurrency
	}
	if config.ProfileTTL <= 0 {
		config.ProfileTTL = DefaultConfig().ProfileTTL
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = DefaultConfig().StreamBuffer
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		index:    deps.Index,
		cache:    deps.Cache,
		policy:   deps.Policy,
		privacy:  deps.Privacy,
		events:   deps.Events,
		limiter:  deps.Limiter,
		recorder: deps.Recorder,
		clock:    clk,
		tracer:   otel.Tracer("spatialtag/discovery"),
		config:   config,
		logger:   logger.Named("discovery"),
		seed:     maphash.MakeSeed(),
	}
}

// lock serializes read-modify-write cycles on one entity
func (s *Service) lock(id string) func() {
	mu := &s.locks[maphash.String(s.seed, id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// begin starts a span and returns a function that records the outcome
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "discovery."+op, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		status := StatusSuccess
		if err != nil {
			status = StatusFailed
			if apperr.CodeOf(err) == apperr.CodeInvalidArgument {
				status = StatusValidationFailed
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		}
		span.End()
		if s.recorder != nil {
			s.recorder.Operation(op, status, s.clock.Since(start))
		}
	}
}

func requireCaller(caller discovery.Caller) error {
	if caller.ID == "" {
		return apperr.New(apperr.CodePermissionDenied, "caller identity is required")
	}
	return nil
}

// requester builds the visibility view of the caller. When the gateway does
// not supply a privacy posture, the caller's own profile setting is used.
func (s *Service) requester(ctx context.Context, caller discovery.Caller, pos geo.Position) visibility.Requester {
	req := visibility.Requester{
		CallerID: caller.ID,
		Status:   caller.Status,
		Position: pos,
		Privacy:  caller.Privacy,
	}
	if req.Status == "" {
		req.Status = entity.StatusRegular
	}
	if req.Privacy == "" && caller.ID != "" {
		req.Privacy = entity.TierPublic
		rec, err := s.getRecord(ctx, caller.ID)
		if err == nil && rec.Profile != nil {
			req.Privacy = rec.Profile.Settings.ProfileVisibility
		}
	}
	return req
}

// getRecord reads a record through the entity cache
func (s *Service) getRecord(ctx context.Context, id string) (entity.Record, error) {
	if s.cache == nil {
		return s.index.Get(ctx, id)
	}
	return s.cache.GetEntity(ctx, id, s.index.Get)
}

// nearby returns candidate hits for a query. Cache failures fall back to a
// direct index query.
func (s *Service) nearby(ctx context.Context, center geo.Position, radius float64, filter proximity.Filter) ([]proximity.Hit, error) {
	load := func(ctx context.Context, key proxcache.Key) ([]proximity.Hit, error) {
		return s.index.Query(ctx, key.Center(), key.RadiusMeters(), filter)
	}
	key := proxcache.NewKey(center, radius, filter)

	if s.cache != nil {
		hits, err := s.cache.GetOrLoad(ctx, key, load)
		if err == nil {
			return hits, nil
		}
		if ctx.Err() != nil {
			return nil, apperr.Internal("nearby query cancelled", err)
		}
		s.logger.Warn("nearby cache load failed, querying index directly",
			zap.String("key", key.String()), zap.Error(err))
	}

	hits, err := s.index.Query(ctx, center, radius, filter)
	if err != nil {
		return nil, apperr.Internal("error querying proximity index", err)
	}
	return hits, nil
}

// invalidate evicts cache entries that may hold an entity at any of the
// given positions
func (s *Service) invalidate(id string, positions ...geo.Position) {
	if s.cache != nil {
		s.cache.InvalidateEntity(id, positions...)
	}
}

func (s *Service) publish(ctx context.Context, typ discovery.EventType, tag entity.Tag, prior *geo.Position, previous *entity.Tag) {
	if s.events == nil {
		return
	}
	event := discovery.TagEvent{
		Type:   typ,
		TagID:  tag.ID,
		Tag:    tag,
		Origin: s.config.ReplicaID,
		At:     s.clock.Now(),
		Prior:  prior,

		Previous: previous,
	}
	if err := s.events.PublishTagEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("error publishing tag event",
			zap.String("tag_id", tag.ID),
			zap.String("event", string(typ)),
			zap.Error(err))
	}
}

func (s *Service) allow(ctx context.Context, op string, caller discovery.Caller) error {
	return s.limiter.Allow(ctx, op+":"+caller.ID)
}

func (s *Service) limit(requested int) int {
	if requested <= 0 || requested > s.config.MaxResults {
		return s.config.MaxResults
	}
	return requested
}

// sortByDistance orders disclosed results nearest first, ties by id
func sortByDistance[T any](items []T, dist func(T) float64, id func(T) string) {
	slices.SortFunc(items, func(a, b T) int {
		da, db := dist(a), dist(b)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return strings.Compare(id(a), id(b))
	})
}

func isNotFound(err error) bool {
	return apperr.CodeOf(err) == apperr.CodeNotFound
}
