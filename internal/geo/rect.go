package geo

import "math"

// Rect is an axis-aligned geographic rectangle anchored at its south-west
// corner. Width is measured eastwards in degrees and may carry the rectangle
// across the antimeridian; a width of 360 or more covers every longitude.
type Rect struct {
	South  float64 `json:"south"`
	West   float64 `json:"west"`
	Height float64 `json:"height"`
	Width  float64 `json:"width"`
}

// RectFromPoint returns the zero-area rectangle at p.
func RectFromPoint(p Point) Rect {
	return Rect{South: p.Lat, West: p.Lon}
}

// RectFromCorners builds the rectangle going east from west to east. When
// east < west the rectangle wraps across the seam.
func RectFromCorners(south, west, north, east float64) Rect {
	w := east - west
	if w < 0 {
		w += 360
	}
	return Rect{South: south, West: west, Height: north - south, Width: w}
}

func (r Rect) North() float64 { return r.South + r.Height }

// East is the eastern edge, normalized into [-180, 180).
func (r Rect) East() float64 { return NormalizeLon(r.West + r.Width) }

// WrapsGlobe reports whether the rectangle spans every longitude.
func (r Rect) WrapsGlobe() bool { return r.Width >= 360 }

// Valid reports whether the latitude bounds lie in [-90, 90] and the
// dimensions are non-negative and finite.
func (r Rect) Valid() bool {
	for _, v := range [...]float64{r.South, r.West, r.Height, r.Width} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.Width >= 0 && r.Height >= 0 && r.South >= -90 && r.North() <= 90
}

// Split returns up to two rectangles, none of which crosses the seam, that
// together cover r.
func (r Rect) Split() []Rect {
	if r.WrapsGlobe() {
		return []Rect{{South: r.South, West: -180, Height: r.Height, Width: 360}}
	}
	west := NormalizeLon(r.West)
	if west+r.Width <= 180 {
		return []Rect{{South: r.South, West: west, Height: r.Height, Width: r.Width}}
	}
	return []Rect{
		{South: r.South, West: west, Height: r.Height, Width: 180 - west},
		{South: r.South, West: -180, Height: r.Height, Width: west + r.Width - 180},
	}
}

func (r Rect) boxes() []box {
	parts := r.Split()
	out := make([]box, len(parts))
	for i, p := range parts {
		out[i] = box{minX: p.West, minY: p.South, maxX: p.West + p.Width, maxY: p.North()}
	}
	return out
}

// ContainsPoint reports whether p lies inside or on the border of r.
func (r Rect) ContainsPoint(p Point) bool {
	for _, b := range r.boxes() {
		for _, shift := range seamShifts {
			if b.contains(vec{p.Lon + shift, p.Lat}) {
				return true
			}
		}
	}
	return false
}

// ContainsRect reports whether o lies entirely within r.
func (r Rect) ContainsRect(o Rect) bool {
	if r.WrapsGlobe() {
		return o.South >= r.South && o.North() <= r.North()
	}
	for _, ob := range o.boxes() {
		inside := false
		for _, b := range r.boxes() {
			for _, shift := range seamShifts {
				if ob.minX+shift >= b.minX && ob.maxX+shift <= b.maxX && ob.minY >= b.minY && ob.maxY <= b.maxY {
					inside = true
				}
			}
		}
		if !inside {
			return false
		}
	}
	return true
}

// Intersects reports whether r and o share at least one point.
func (r Rect) Intersects(o Rect) bool {
	for _, a := range r.boxes() {
		for _, b := range o.boxes() {
			for _, shift := range seamShifts {
				if a.overlaps(box{b.minX + shift, b.minY, b.maxX + shift, b.maxY}) {
					return true
				}
			}
		}
	}
	return false
}

// DistanceToSegment is the smallest degree-space distance between r and s.
func (r Rect) DistanceToSegment(s Segment) float64 {
	a, c := s.ends()
	best := math.Inf(1)
	for _, b := range r.boxes() {
		for _, shift := range seamShifts {
			d := b.segmentDist(vec{a.x + shift, a.y}, vec{c.x + shift, c.y})
			if d < best {
				best = d
			}
		}
	}
	return best
}

// IntersectsSegment reports whether s touches r.
func (r Rect) IntersectsSegment(s Segment) bool { return r.DistanceToSegment(s) == 0 }

// NearSegment reports whether r lies within maxDeg of s.
func (r Rect) NearSegment(s Segment, maxDeg float64) bool {
	return r.DistanceToSegment(s) <= maxDeg
}

// NearPolyline reports whether any part of r lies within maxDeg of pl. The
// predicate is monotonic under containment, which makes it usable as a
// spatial index range predicate.
func (r Rect) NearPolyline(pl Polyline, maxDeg float64) bool {
	for _, s := range pl.Segments() {
		if r.NearSegment(s, maxDeg) {
			return true
		}
	}
	return false
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return NewPoint(r.South+r.Height/2, r.West+r.Width/2)
}
