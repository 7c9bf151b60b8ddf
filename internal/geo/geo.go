package geo

import "math"

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a circular geofence: center plus radius in meters.
type Fence struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
}

// Center returns the fence center as a Point.
func (f Fence) Center() Point {
	return Point{Lat: f.Lat, Lng: f.Lng}
}

// DistanceM computes the great-circle distance in meters between two points
// using the haversine formula.
func DistanceM(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// Within reports whether p falls inside the fence. A nil fence means no
// geofencing is required and always passes. The boundary is inclusive: a
// point exactly at RadiusM is inside.
func Within(f *Fence, p Point) bool {
	if f == nil {
		return true
	}
	return DistanceM(f.Center(), p) <= f.RadiusM
}
