// Package geo provides the small amount of spherical geometry the pipeline
// needs to annotate events with sender-to-gateway distance.
package geo

import "math"

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance in meters between two points,
// or nil when either side is unknown. Callers treat nil as "no distance",
// never as zero.
func Distance(a, b *Point) *float64 {
	if a == nil || b == nil {
		return nil
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	d := 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
	return &d
}
