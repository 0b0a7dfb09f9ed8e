// internal/service/proximity/key.go

package proximity

import (
	"fmt"
	"math"

	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

const (
	degreeQuantum = 1e7 // 1e-7 degrees, about 1cm
	meterQuantum  = 1e3 // millimeters for local-frame coordinates
	radiusQuantum = 1e2 // centimeters
	altQuantum    = 1e1 // decimeters
)

// Key identifies a cached nearby query: a quantized center, radius and
// filter signature
type Key struct {
	Lat, Lng, Alt int64
	Frame         string
	X, Y, Z       int64
	Radius        int64
	Filter        string
}

// NewKey quantizes a query into a cache key
func NewKey(center geo.Position, radius float64, filter proximity.Filter) Key {
	k := Key{
		Lat:    quantize(center.Latitude, degreeQuantum),
		Lng:    quantize(center.Longitude, degreeQuantum),
		Alt:    quantize(center.Altitude, altQuantum),
		Radius: quantize(radius, radiusQuantum),
		Filter: filter.Signature(),
	}
	if center.HasLocalFrame() {
		k.Frame = center.Local.FrameID
		k.X = quantize(center.Local.X, meterQuantum)
		k.Y = quantize(center.Local.Y, meterQuantum)
		k.Z = quantize(center.Local.Z, meterQuantum)
	}
	return k
}

// Center returns the quantized query center
func (k Key) Center() geo.Position {
	p := geo.Position{
		Latitude:  float64(k.Lat) / degreeQuantum,
		Longitude: float64(k.Lng) / degreeQuantum,
		Altitude:  float64(k.Alt) / altQuantum,
	}
	if k.Frame != "" {
		p.Local = &geo.LocalCoordinate{
			FrameID: k.Frame,
			X:       float64(k.X) / meterQuantum,
			Y:       float64(k.Y) / meterQuantum,
			Z:       float64(k.Z) / meterQuantum,
		}
	}
	return p.Normalize()
}

// RadiusMeters returns the quantized radius
func (k Key) RadiusMeters() float64 {
	return float64(k.Radius) / radiusQuantum
}

func (k Key) String() string {
	return fmt.Sprintf("nearby:%d:%d:%d:%s:%d:%d:%d:%d:%s", k.Lat, k.Lng, k.Alt, k.Frame, k.X, k.Y, k.Z, k.Radius, k.Filter)
}

func quantize(v, q float64) int64 {
	return int64(math.Round(v * q))
}
