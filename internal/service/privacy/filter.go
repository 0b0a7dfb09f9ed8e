// internal/service/privacy/filter.go

// Package privacy degrades discovered entities before they are disclosed.
package privacy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	mrand "math/rand/v2"

	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
)

// Level is the degree of degradation applied to an entity
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Config contains configuration for the filter
type Config struct {
	JitterMinMeters    float64
	JitterMaxMeters    float64
	AccuracyFloor      float64
	DistanceTierMeters float64
}

// DefaultConfig returns the default filter settings
func DefaultConfig() Config {
	return Config{
		JitterMinMeters:    5,
		JitterMaxMeters:    15,
		AccuracyFloor:      10,
		DistanceTierMeters: 10,
	}
}

// Jitter produces the offset applied to a fuzzed position. key identifies
// the entity revision being disclosed.
type Jitter interface {
	Offset(key string) (bearing, meters float64)
}

// keyedJitter derives a stable offset per key from a secret, so repeated
// queries for the same revision cannot be averaged back to the source.
type keyedJitter struct {
	secret   []byte
	min, max float64
}

// NewKeyedJitter returns a Jitter keyed by secret. A nil secret is replaced by
// 32 bytes from crypto/rand.
func NewKeyedJitter(secret []byte, minMeters, maxMeters float64) (Jitter, error) {
	if minMeters <= 0 || maxMeters < minMeters {
		return nil, fmt.Errorf("invalid jitter bounds [%v, %v]", minMeters, maxMeters)
	}
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("error generating jitter secret: %w", err)
		}
	}
	return &keyedJitter{secret: secret, min: minMeters, max: maxMeters}, nil
}

func (j *keyedJitter) Offset(key string) (float64, float64) {
	mac := hmac.New(sha256.New, j.secret)
	mac.Write([]byte(key))
	sum := mac.Sum(nil)

	r := mrand.New(mrand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
	return r.Float64() * 360, j.min + r.Float64()*(j.max-j.min)
}

// Filter applies privacy levels to tags and profiles. It never mutates its
// input; every result is a fresh copy.
type Filter struct {
	config Config
	jitter Jitter
}

// NewFilter creates a new privacy filter
func NewFilter(config Config, jitter Jitter) *Filter {
	return &Filter{
		config: config,
		jitter: jitter,
	}
}

// LevelFor combines the owner's tier, the distance tier and the requester's
// own posture, taking the strictest
func (f *Filter) LevelFor(owner, requester entity.PrivacyTier, distance float64) Level {
	level := tierLevel(owner)

	if step := f.config.DistanceTierMeters; step > 0 && distance > 0 {
		byDistance := Level(min(math.Floor(distance/step), float64(LevelHigh)))
		level = max(level, byDistance)
	}

	if requester == entity.TierPrivate {
		level = max(level, LevelMedium)
	}
	return level
}

func tierLevel(t entity.PrivacyTier) Level {
	switch t {
	case entity.TierConnections:
		return LevelMedium
	case entity.TierPrivate:
		return LevelHigh
	}
	return LevelLow
}

// ApplyProfile returns the disclosed view of p, or nil when p must be hidden
// entirely
func (f *Filter) ApplyProfile(p entity.Profile, requester entity.PrivacyTier, distance float64) *entity.Profile {
	if !p.Settings.LocationSharing {
		return nil
	}

	out := p.Clone()
	level := f.LevelFor(p.Settings.ProfileVisibility, requester, distance)
	if level < LevelMedium {
		return &out
	}

	out.Preferences = nil
	out.Device = nil
	out.Position = f.fuzz(p.Position, revisionKey("profile", p.ID, p.Version, 0))

	if level >= LevelHigh {
		out.LocationHistory = nil
		return &out
	}
	for i, pos := range out.LocationHistory {
		out.LocationHistory[i] = f.fuzz(pos, revisionKey("profile", p.ID, p.Version, i+1))
	}
	return &out
}

// ApplyTag returns the disclosed view of t. Tags are published content, so
// the owner tier is public and the level comes from distance and the
// requester's posture. The creator always sees the original.
func (f *Filter) ApplyTag(t entity.Tag, requesterID string, requester entity.PrivacyTier, distance float64) *entity.Tag {
	out := t.Clone()
	if requesterID != "" && requesterID == t.CreatorID {
		return &out
	}

	if f.LevelFor(entity.TierPublic, requester, distance) < LevelMedium {
		return &out
	}

	out.Metadata = nil
	out.Position = f.fuzz(t.Position, revisionKey("tag", t.ID, t.Version, 0))
	return &out
}

// fuzz moves pos by the jitter offset and drops everything that would
// pinpoint the original
func (f *Filter) fuzz(pos geo.Position, key string) geo.Position {
	bearing, meters := f.jitter.Offset(key)
	meters = max(meters, f.config.JitterMinMeters)

	out := geo.Destination(pos, bearing, meters)
	out.Local = nil
	out.Geohash = ""
	out.HorizontalAccuracy = max(out.HorizontalAccuracy, f.config.AccuracyFloor)
	out.VerticalAccuracy = max(out.VerticalAccuracy, f.config.AccuracyFloor)
	return out
}

func revisionKey(kind, id string, version uint64, slot int) string {
	return fmt.Sprintf("%s/%s/%d/%d", kind, id, version, slot)
}
