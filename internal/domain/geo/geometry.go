// internal/domain/geo/geometry.go

package geo

import "math"

// EarthRadiusMeters is the mean Earth radius
const EarthRadiusMeters = 6371000.0

// Destination returns the point reached by travelling meters from p along
// bearing degrees (clockwise from north). Altitude and accuracy carry over; the
// local-frame coordinate does not.
func Destination(p Position, bearing, meters float64) Position {
	lat1 := p.Latitude * math.Pi / 180.0
	lon1 := p.Longitude * math.Pi / 180.0
	brg := bearing * math.Pi / 180.0
	angular := meters / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(
		math.Sin(brg)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2),
	)

	out := p
	out.Local = nil
	out.Latitude = clamp(lat2*180.0/math.Pi, MinLatitude, MaxLatitude)
	out.Longitude = normalizeLongitude(lon2 * 180.0 / math.Pi)
	return out.Normalize()
}

// Box is a latitude/longitude bounding box. MinLng may exceed MaxLng when the
// box crosses the antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a box enclosing the circle of radius meters around center
func BoundingBox(center Position, radius float64) Box {
	latDelta := radius / EarthRadiusMeters * 180.0 / math.Pi
	box := Box{
		MinLat: clamp(center.Latitude-latDelta, MinLatitude, MaxLatitude),
		MaxLat: clamp(center.Latitude+latDelta, MinLatitude, MaxLatitude),
		MinLng: MinLongitude,
		MaxLng: MaxLongitude,
	}

	// Near the poles every longitude is within reach
	cosLat := math.Cos(math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) * math.Pi / 180.0)
	if cosLat < 1e-9 {
		return box
	}
	lngDelta := latDelta / cosLat
	if lngDelta >= 180 {
		return box
	}

	box.MinLng = normalizeLongitude(center.Longitude - lngDelta)
	box.MaxLng = normalizeLongitude(center.Longitude + lngDelta)
	return box
}

// LongitudeRanges splits the box into non-wrapping longitude intervals
func (b Box) LongitudeRanges() [][2]float64 {
	if b.MinLng <= b.MaxLng {
		return [][2]float64{{b.MinLng, b.MaxLng}}
	}
	return [][2]float64{{b.MinLng, MaxLongitude}, {MinLongitude, b.MaxLng}}
}

func normalizeLongitude(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
