package geo

import "math"

// Segment is a straight line between two points in degree space. The second
// endpoint is interpreted through whichever longitude representative
// (-360, 0, +360) lies nearest the first, so segments crossing the
// antimeridian take the short way around.
type Segment struct {
	A Point `json:"a"`
	B Point `json:"b"`
}

func (s Segment) ends() (vec, vec) {
	return vec{s.A.Lon, s.A.Lat}, vec{nearestLon(s.B.Lon, s.A.Lon), s.B.Lat}
}

// Degenerate reports whether the segment has zero length.
func (s Segment) Degenerate() bool {
	a, b := s.ends()
	return a == b
}

// Vector returns (dLat, dLon) from A to the seam-aware representative of B.
func (s Segment) Vector() (dLat, dLon float64) {
	a, b := s.ends()
	return b.y - a.y, b.x - a.x
}

// Dot is the dot product of the direction vectors of s and o.
func (s Segment) Dot(o Segment) float64 {
	la, lo := s.Vector()
	ma, mo := o.Vector()
	return la*ma + lo*mo
}

// LengthDegrees is the Euclidean length in degree space.
func (s Segment) LengthDegrees() float64 {
	a, b := s.ends()
	return b.sub(a).norm()
}

// DistanceTo is the degree-space distance from p to the segment.
func (s Segment) DistanceTo(p Point) float64 {
	a, b := s.ends()
	best := math.Inf(1)
	for _, shift := range seamShifts {
		best = math.Min(best, pointSegmentDist(vec{p.Lon + shift, p.Lat}, a, b))
	}
	return best
}

// Intersects reports whether s and o share at least one point.
func (s Segment) Intersects(o Segment) bool {
	a, b := s.ends()
	c, d := o.ends()
	for _, shift := range seamShifts {
		if segmentsIntersect(a, b, vec{c.x + shift, c.y}, vec{d.x + shift, d.y}) {
			return true
		}
	}
	return false
}

var seamShifts = [...]float64{-360, 0, 360}
