// internal/service/lifecycle/manager.go

// Package lifecycle expires and purges indexed entities on a fixed interval,
// independent of query traffic.
package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

// Invalidator evicts cache entries that may include an entity
type Invalidator interface {
	InvalidateEntity(id string, positions ...geo.Position)
}

// Recorder receives sweep outcomes. Implementations must not block.
type Recorder interface {
	LifecycleTransitions(to entity.State, n int)
	LifecycleFailures(n int)
}

// Janitor is periodic housekeeping run after each sweep
type Janitor func(ctx context.Context) error

// Config contains configuration for the lifecycle manager
type Config struct {
	Interval      time.Duration
	BatchSize     int
	MaxBatches    int           // per phase and sweep
	Grace         time.Duration // delay after expiration before a record is swept
	Retention     time.Duration // how long expired and deleted records are kept
	SweepTimeout  time.Duration
	EventsEnabled bool
}

// DefaultConfig returns a 30s interval with batches of 100
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		BatchSize:     100,
		MaxBatches:    50,
		Retention:     24 * time.Hour,
		SweepTimeout:  30 * time.Second,
		EventsEnabled: true,
	}
}

// Report summarizes one sweep
type Report struct {
	Expired int
	Purged  int
	Failed  int
	Batches int
}

// Manager drives entities through active → expired → deleted
type Manager struct {
	index    proximity.Index
	cache    Invalidator
	events   discovery.EventPublisher
	recorder Recorder
	clock    clock.Clock
	config   Config
	logger   *zap.Logger

	mu       sync.Mutex
	janitors map[string]Janitor
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a new lifecycle manager. cache, events and recorder may
// be nil.
func NewManager(
	index proximity.Index,
	cache Invalidator,
	events discovery.EventPublisher,
	recorder Recorder,
	clk clock.Clock,
	config Config,
	logger *zap.Logger,
) *Manager {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = DefaultConfig().MaxBatches
	}
	return &Manager{
		index:    index,
		cache:    cache,
		events:   events,
		recorder: recorder,
		clock:    clk,
		config:   config,
		logger:   logger.Named("lifecycle"),
		janitors: make(map[string]Janitor),
	}
}

// RegisterJanitor adds housekeeping to run after every sweep
func (m *Manager) RegisterJanitor(name string, j Janitor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.janitors[name] = j
}

// Start begins sweeping on the configured interval
func (m *Manager) Start(ctx context.Context) error {
	if m.config.Interval <= 0 {
		return fmt.Errorf("lifecycle interval must be positive, got %v", m.config.Interval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("lifecycle manager already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	ticker := m.clock.Ticker(m.config.Interval)
	m.wg.Add(1)
	go m.run(ctx, ticker)

	m.logger.Info("lifecycle manager started",
		zap.Duration("interval", m.config.Interval),
		zap.Int("batch_size", m.config.BatchSize))
	return nil
}

// Stop halts the sweep loop and waits for an in-progress sweep to finish
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	// Signal the loop to stop
	cancel()

	// Wait for the loop with timeout
	c := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(c)
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run sweeps on every tick until ctx is cancelled
func (m *Manager) run(ctx context.Context, ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, m.config.SweepTimeout)
			report, err := m.SweepOnce(sweepCtx)
			cancel()

			if err != nil {
				m.logger.Warn("lifecycle sweep incomplete", zap.Error(err))
			}
			if report.Expired > 0 || report.Purged > 0 || report.Failed > 0 {
				m.logger.Info("lifecycle sweep",
					zap.Int("expired", report.Expired),
					zap.Int("purged", report.Purged),
					zap.Int("failed", report.Failed),
					zap.Int("batches", report.Batches))
			}
		}
	}
}

// SweepOnce runs one expire phase, one purge phase and the janitors. Failures
// on single entities are counted in the report and retried next sweep; the
// returned error covers failures that stopped a phase.
func (m *Manager) SweepOnce(ctx context.Context) (Report, error) {
	var report Report
	now := m.clock.Now()

	expireErr := m.expire(ctx, now, &report)
	purgeErr := m.purge(ctx, now, &report)
	err := multierr.Combine(expireErr, purgeErr, m.runJanitors(ctx))

	if m.recorder != nil {
		m.recorder.LifecycleTransitions(entity.StateExpired, report.Expired)
		m.recorder.LifecycleTransitions(entity.StateDeleted, report.Purged)
		m.recorder.LifecycleFailures(report.Failed)
	}
	return report, err
}

// expire moves active records past their expiration to expired
func (m *Manager) expire(ctx context.Context, now time.Time, report *Report) error {
	cutoff := now.Add(-m.config.Grace)

	for range m.config.MaxBatches {
		if err := yield(ctx); err != nil {
			return err
		}

		due, err := m.index.DueForExpiry(ctx, cutoff, m.config.BatchSize)
		if err != nil {
			return fmt.Errorf("error listing expired entities: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		report.Batches++

		progressed := 0
		for _, rec := range due {
			ok, err := m.index.Transition(ctx, rec.ID, entity.StateActive, entity.StateExpired, now)
			if err != nil {
				report.Failed++
				m.logger.Warn("error expiring entity", zap.String("id", rec.ID), zap.Error(err))
				continue
			}
			progressed++
			if !ok {
				// Already moved by someone else
				continue
			}
			report.Expired++
			m.evict(rec)
			m.publish(ctx, rec.WithState(entity.StateExpired, now), discovery.EventExpired, now)
		}

		if len(due) < m.config.BatchSize || progressed == 0 {
			return nil
		}
	}
	return nil
}

// purge removes expired and deleted records once retention has elapsed
func (m *Manager) purge(ctx context.Context, now time.Time, report *Report) error {
	cutoff := now.Add(-m.config.Retention)

	for range m.config.MaxBatches {
		if err := yield(ctx); err != nil {
			return err
		}

		due, err := m.index.DueForPurge(ctx, cutoff, m.config.BatchSize)
		if err != nil {
			return fmt.Errorf("error listing entities to purge: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		report.Batches++

		progressed := 0
		for _, rec := range due {
			if rec.State == entity.StateExpired {
				if _, err := m.index.Transition(ctx, rec.ID, entity.StateExpired, entity.StateDeleted, now); err != nil {
					report.Failed++
					m.logger.Warn("error deleting expired entity", zap.String("id", rec.ID), zap.Error(err))
					continue
				}
			}
			if err := m.index.Remove(ctx, rec.ID); err != nil {
				report.Failed++
				m.logger.Warn("error purging entity", zap.String("id", rec.ID), zap.Error(err))
				continue
			}
			progressed++
			report.Purged++
			m.evict(rec)
		}

		if len(due) < m.config.BatchSize || progressed == 0 {
			return nil
		}
	}
	return nil
}

func (m *Manager) runJanitors(ctx context.Context) error {
	m.mu.Lock()
	janitors := maps.Clone(m.janitors)
	m.mu.Unlock()

	var errs error
	for name, j := range janitors {
		if err := j(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error in janitor %s: %w", name, err))
		}
	}
	return errs
}

func (m *Manager) evict(rec entity.Record) {
	if m.cache != nil {
		m.cache.InvalidateEntity(rec.ID, rec.Position)
	}
}

func (m *Manager) publish(ctx context.Context, rec entity.Record, typ discovery.EventType, at time.Time) {
	if m.events == nil || !m.config.EventsEnabled || rec.Tag == nil {
		return
	}
	event := discovery.TagEvent{
		Type:  typ,
		TagID: rec.ID,
		Tag:   *rec.Tag,
		At:    at,
	}
	if err := m.events.PublishTagEvent(ctx, event); err != nil {
		m.logger.Warn("error publishing tag event",
			zap.String("id", rec.ID),
			zap.String("event", string(typ)),
			zap.Error(err))
	}
}

// yield lets request goroutines run between batches and stops on cancellation
func yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}
