// internal/domain/geo/measurement.go

package geo

// PrecisionClass identifies which measurement source produced a distance
type PrecisionClass string

const (
	// PrecisionLocalFrame is a Euclidean distance in a shared depth-sensor frame
	PrecisionLocalFrame PrecisionClass = "local_frame"
	// PrecisionGeodesic is a haversine surface distance combined with altitude
	PrecisionGeodesic PrecisionClass = "geodesic"
)

// Measurement is the result of a distance computation
type Measurement struct {
	Meters     float64        `json:"meters"`
	Resolution float64        `json:"resolution"` // rounding step applied to Meters
	Class      PrecisionClass `json:"class"`

	// Raw is the unrounded distance; radius checks compare against it
	Raw float64 `json:"-"`
}

// DistanceCalculator computes distances between positions
type DistanceCalculator interface {
	// Distance returns the distance between a and b, preferring the local
	// frame when both carry one and preferLocalFrame is set
	Distance(a, b Position, preferLocalFrame bool) (Measurement, error)
}
