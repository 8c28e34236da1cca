package geo

import "math"

// Epsilon is the coordinate tolerance used for point equality, roughly 1cm.
const Epsilon = 1e-7

// Point is a normalized geographic coordinate. Latitude is clamped to
// [-90, 90] and longitude wrapped into [-180, 180).
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewPoint normalizes lat/lon into their canonical ranges.
func NewPoint(lat, lon float64) Point {
	return Point{Lat: clampLat(lat), Lon: NormalizeLon(lon)}
}

// Normalized returns p with both components in canonical range.
func (p Point) Normalized() Point { return NewPoint(p.Lat, p.Lon) }

// Equal reports whether p and o are within Epsilon of each other, taking the
// longitude seam into account.
func (p Point) Equal(o Point) bool {
	return math.Abs(p.Lat-o.Lat) < Epsilon && math.Abs(nearestLon(o.Lon, p.Lon)-p.Lon) < Epsilon
}

// Valid reports whether p is finite and inside the canonical ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// NormalizeLon wraps lon into [-180, 180).
func NormalizeLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

// nearestLon picks whichever of lon-360, lon, lon+360 lies closest to ref.
func nearestLon(lon, ref float64) float64 {
	best := lon
	for _, c := range [...]float64{lon - 360, lon + 360} {
		if math.Abs(c-ref) < math.Abs(best-ref) {
			best = c
		}
	}
	return best
}
