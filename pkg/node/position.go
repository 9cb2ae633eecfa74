package node

// Position holds a node's canvas coordinates and the geographic position
// derived from them. AltOverride, when set, takes precedence over the
// projected altitude in outbound location events.
type Position struct {
	X, Y, Z float64

	Lat, Lon, Alt float64

	AltOverride *float64
}

// Set updates the canvas coordinates.
func (p *Position) Set(x, y, z float64) {
	p.X, p.Y, p.Z = x, y, z
}

// SetGeo updates the stored geographic position.
func (p *Position) SetGeo(lon, lat, alt float64) {
	p.Lon, p.Lat, p.Alt = lon, lat, alt
}

// Get returns the canvas coordinates.
func (p *Position) Get() (x, y, z float64) {
	return p.X, p.Y, p.Z
}
