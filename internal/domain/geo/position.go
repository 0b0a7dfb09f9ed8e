// internal/domain/geo/position.go

package geo

import (
	"fmt"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"

	"spatialtag/internal/domain/apperr"
)

// Position bounds
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MinAltitude  = -1000.0
	MaxAltitude  = 10000.0

	// GeohashPrecision is the number of characters stored on each position (~5m cells)
	GeohashPrecision = 9
)

// LocalCoordinate is a depth-sensor measurement in meters relative to a reference frame
type LocalCoordinate struct {
	FrameID string  `json:"frame_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
}

// Position is a point in physical space. Treat it as a value: updates
// produce a new Position rather than editing an existing one.
type Position struct {
	Latitude           float64          `json:"latitude"`
	Longitude          float64          `json:"longitude"`
	Altitude           float64          `json:"altitude"`
	Local              *LocalCoordinate `json:"local,omitempty"`
	HorizontalAccuracy float64          `json:"horizontal_accuracy"`
	VerticalAccuracy   float64          `json:"vertical_accuracy"`
	Geohash            string           `json:"geohash,omitempty"`
	RecordedAt         time.Time        `json:"recorded_at"`
}

// PositionOption customizes NewPosition
type PositionOption func(*Position)

// WithLocalFrame attaches a depth-sensor coordinate
func WithLocalFrame(frameID string, x, y, z float64) PositionOption {
	return func(p *Position) {
		p.Local = &LocalCoordinate{FrameID: frameID, X: x, Y: y, Z: z}
	}
}

// WithAccuracy sets the horizontal and vertical accuracy estimates in meters
func WithAccuracy(horizontal, vertical float64) PositionOption {
	return func(p *Position) {
		p.HorizontalAccuracy = horizontal
		p.VerticalAccuracy = vertical
	}
}

// WithRecordedAt sets the capture time
func WithRecordedAt(t time.Time) PositionOption {
	return func(p *Position) {
		p.RecordedAt = t
	}
}

// NewPosition validates and constructs a Position
func NewPosition(lat, lng, alt float64, opts ...PositionOption) (Position, error) {
	p := Position{
		Latitude:  lat,
		Longitude: lng,
		Altitude:  alt,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p.Normalize(), nil
}

// Validate checks the position invariants
func (p Position) Validate() error {
	if !finite(p.Latitude) || p.Latitude < MinLatitude || p.Latitude > MaxLatitude {
		return apperr.WithField(apperr.CodeInvalidArgument, "latitude",
			fmt.Sprintf("invalid position: latitude %v outside [%v, %v]", p.Latitude, MinLatitude, MaxLatitude))
	}
	if !finite(p.Longitude) || p.Longitude < MinLongitude || p.Longitude > MaxLongitude {
		return apperr.WithField(apperr.CodeInvalidArgument, "longitude",
			fmt.Sprintf("invalid position: longitude %v outside [%v, %v]", p.Longitude, MinLongitude, MaxLongitude))
	}
	if !finite(p.Altitude) || p.Altitude < MinAltitude || p.Altitude > MaxAltitude {
		return apperr.WithField(apperr.CodeInvalidArgument, "altitude",
			fmt.Sprintf("invalid position: altitude %v outside [%v, %v]", p.Altitude, MinAltitude, MaxAltitude))
	}
	if !finite(p.HorizontalAccuracy) || p.HorizontalAccuracy < 0 ||
		!finite(p.VerticalAccuracy) || p.VerticalAccuracy < 0 {
		return apperr.WithField(apperr.CodeInvalidArgument, "accuracy", "invalid position: accuracy must be a non-negative number")
	}
	if p.Local != nil {
		if p.Local.FrameID == "" {
			return apperr.WithField(apperr.CodeInvalidArgument, "local.frame_id", "invalid position: local coordinate requires a frame id")
		}
		if !finite(p.Local.X) || !finite(p.Local.Y) || !finite(p.Local.Z) {
			return apperr.WithField(apperr.CodeInvalidArgument, "local", "invalid position: local coordinate must be finite")
		}
	}
	return nil
}

// Normalize returns a copy with derived fields filled in and the local
// coordinate detached from any caller-owned memory
func (p Position) Normalize() Position {
	if p.Local != nil {
		local := *p.Local
		p.Local = &local
	}
	p.Geohash = geohash.EncodeWithPrecision(p.Latitude, p.Longitude, GeohashPrecision)
	return p
}

// HasLocalFrame reports whether p carries a depth-sensor coordinate
func (p Position) HasLocalFrame() bool {
	return p.Local != nil && p.Local.FrameID != ""
}

// SameFrame reports whether both positions carry local coordinates in the same frame
func (p Position) SameFrame(o Position) bool {
	return p.HasLocalFrame() && o.HasLocalFrame() && p.Local.FrameID == o.Local.FrameID
}

// Cell returns the geohash prefix of the given length, used for region subjects
func (p Position) Cell(chars uint) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, chars)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
