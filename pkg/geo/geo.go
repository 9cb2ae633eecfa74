// Package geo converts between session canvas coordinates and geographic
// positions. The projection is a local flat-earth approximation anchored at a
// configurable reference point: good enough for the few-kilometer areas an
// emulated radio scenario covers, and exactly invertible so positions survive
// an outbound/inbound round trip.
package geo

import "math"

// metersPerDegree is the length of one degree of latitude.
const metersPerDegree = 111320.0

// Reference anchors the canvas (x, y, z) space to a geographic point.
// X grows east, Y grows south (screen convention), Z grows up.
type Reference struct {
	Lat float64 // latitude of canvas reference point
	Lon float64 // longitude of canvas reference point
	Alt float64 // altitude of canvas z == 0, meters

	RefX float64 // canvas x of the reference point
	RefY float64 // canvas y of the reference point

	// Scale is meters per canvas unit.
	Scale float64
}

// NewReference returns a reference with the default anchor and scale.
func NewReference() *Reference {
	return &Reference{
		Lat:   47.5791667,
		Lon:   -122.132322,
		Alt:   2.0,
		Scale: 1.0,
	}
}

// GetGeo converts canvas coordinates to (lat, lon, alt).
func (r *Reference) GetGeo(x, y, z float64) (lat, lon, alt float64) {
	dx := (x - r.RefX) * r.Scale
	dy := (y - r.RefY) * r.Scale
	lat = r.Lat - dy/metersPerDegree
	lon = r.Lon + dx/(metersPerDegree*math.Cos(r.Lat*math.Pi/180))
	alt = r.Alt + z*r.Scale
	return lat, lon, alt
}

// GetXYZ converts (lat, lon, alt) back to canvas coordinates. It is the
// exact inverse of GetGeo.
func (r *Reference) GetXYZ(lat, lon, alt float64) (x, y, z float64) {
	dy := (r.Lat - lat) * metersPerDegree
	dx := (lon - r.Lon) * metersPerDegree * math.Cos(r.Lat*math.Pi/180)
	x = r.RefX + dx/r.Scale
	y = r.RefY + dy/r.Scale
	z = (alt - r.Alt) / r.Scale
	return x, y, z
}
