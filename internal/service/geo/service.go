// internal/service/geo/service.go

package geo

import (
	"math"

	"spatialtag/internal/domain/geo"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula
const EarthRadiusMeters = geo.EarthRadiusMeters

const (
	// PrecisionThreshold is the distance up to which depth-sensor precision applies
	PrecisionThreshold = 10.0

	// OptimalPrecision is the rounding step within PrecisionThreshold
	OptimalPrecision = 0.01
)

// Calculator implements geo.DistanceCalculator. It holds no state.
type Calculator struct{}

// NewCalculator creates a new distance calculator
func NewCalculator() Calculator {
	return Calculator{}
}

// Distance calculates the distance between two positions in meters
func (Calculator) Distance(a, b geo.Position, preferLocalFrame bool) (geo.Measurement, error) {
	return Distance(a, b, preferLocalFrame)
}

// Distance calculates the distance between two positions in meters. When both
// positions carry a local coordinate in the same frame and preferLocalFrame is
// set the Euclidean frame distance is used; otherwise haversine surface
// distance is combined with the altitude delta.
func Distance(a, b geo.Position, preferLocalFrame bool) (geo.Measurement, error) {
	if err := a.Validate(); err != nil {
		return geo.Measurement{}, err
	}
	if err := b.Validate(); err != nil {
		return geo.Measurement{}, err
	}

	var raw float64
	class := geo.PrecisionGeodesic
	if preferLocalFrame && a.SameFrame(b) {
		dx := a.Local.X - b.Local.X
		dy := a.Local.Y - b.Local.Y
		dz := a.Local.Z - b.Local.Z
		raw = math.Sqrt(dx*dx + dy*dy + dz*dz)
		class = geo.PrecisionLocalFrame
	} else {
		surface := SurfaceDistance(a, b)
		altitudeDiff := math.Abs(b.Altitude - a.Altitude)
		raw = math.Hypot(surface, altitudeDiff)
	}

	meters, resolution := RoundToPrecision(raw)
	return geo.Measurement{
		Meters:     meters,
		Resolution: resolution,
		Class:      class,
		Raw:        raw,
	}, nil
}

// SurfaceDistance returns the great-circle distance in meters, ignoring altitude
func SurfaceDistance(a, b geo.Position) float64 {
	// Convert latitude and longitude from degrees to radians
	lat1 := a.Latitude * math.Pi / 180.0
	lon1 := a.Longitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	lon2 := b.Longitude * math.Pi / 180.0

	// Haversine formula
	dLat := lat2 - lat1
	dLon := lon2 - lon1

	hSin := math.Sin(dLat / 2)
	hSin *= hSin

	vSin := math.Sin(dLon / 2)
	vSin *= vSin

	h := hSin + math.Cos(lat1)*math.Cos(lat2)*vSin
	if h > 1 {
		h = 1
	}

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// RoundToPrecision rounds a raw distance to the precision available at that
// range and returns the rounded value with the step used. Within
// PrecisionThreshold the step is OptimalPrecision; beyond it the step grows as
// OptimalPrecision * 10^(log10(d/PrecisionThreshold)).
func RoundToPrecision(d float64) (float64, float64) {
	if d <= 0 {
		return 0, OptimalPrecision
	}

	factor := OptimalPrecision
	if d > PrecisionThreshold {
		factor = OptimalPrecision * math.Pow(10, math.Log10(d/PrecisionThreshold))
	}

	return math.Round(d/factor) * factor, factor
}

// WithinRadius reports whether b lies within radius meters of a
func WithinRadius(a, b geo.Position, radius float64) (bool, error) {
	m, err := Distance(a, b, true)
	if err != nil {
		return false, err
	}
	return m.Raw <= radius, nil
}
