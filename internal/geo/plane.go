package geo

import "math"

// Planar helpers in degree space; x is longitude and y latitude.

type vec struct{ x, y float64 }

func (a vec) sub(b vec) vec { return vec{a.x - b.x, a.y - b.y} }
func (a vec) dot(b vec) float64 { return a.x*b.x + a.y*b.y }
func (a vec) cross(b vec) float64 { return a.x*b.y - a.y*b.x }
func (a vec) norm() float64 { return math.Hypot(a.x, a.y) }

func pointSegmentDist(p, a, b vec) float64 {
	ab := b.sub(a)
	l2 := ab.dot(ab)
	if l2 == 0 {
		return p.sub(a).norm()
	}
	t := p.sub(a).dot(ab) / l2
	t = math.Max(0, math.Min(1, t))
	proj := vec{a.x + t*ab.x, a.y + t*ab.y}
	return p.sub(proj).norm()
}

func orientation(a, b, c vec) int {
	v := b.sub(a).cross(c.sub(a))
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(p, a, b vec) bool {
	return p.x >= math.Min(a.x, b.x) && p.x <= math.Max(a.x, b.x) &&
		p.y >= math.Min(a.y, b.y) && p.y <= math.Max(a.y, b.y)
}

func segmentsIntersect(a, b, c, d vec) bool {
	if a == b {
		return pointSegmentDist(a, c, d) == 0
	}
	if c == d {
		return pointSegmentDist(c, a, b) == 0
	}
	o1 := orientation(a, b, c)
	o2 := orientation(a, b, d)
	o3 := orientation(c, d, a)
	o4 := orientation(c, d, b)
	if o1 != o2 && o3 != o4 {
		return true
	}
	switch {
	case o1 == 0 && onSegment(c, a, b):
		return true
	case o2 == 0 && onSegment(d, a, b):
		return true
	case o3 == 0 && onSegment(a, c, d):
		return true
	case o4 == 0 && onSegment(b, c, d):
		return true
	}
	return false
}

// box is an axis-aligned planar rectangle that never crosses the seam.
type box struct{ minX, minY, maxX, maxY float64 }

func (b box) contains(p vec) bool {
	return p.x >= b.minX && p.x <= b.maxX && p.y >= b.minY && p.y <= b.maxY
}

func (b box) overlaps(o box) bool {
	return b.minX <= o.maxX && o.minX <= b.maxX && b.minY <= o.maxY && o.minY <= b.maxY
}

func (b box) pointDist(p vec) float64 {
	dx := math.Max(0, math.Max(b.minX-p.x, p.x-b.maxX))
	dy := math.Max(0, math.Max(b.minY-p.y, p.y-b.maxY))
	return math.Hypot(dx, dy)
}

func (b box) corners() [4]vec {
	return [4]vec{{b.minX, b.minY}, {b.maxX, b.minY}, {b.maxX, b.maxY}, {b.minX, b.maxY}}
}

func (b box) segmentDist(a, c vec) float64 {
	if b.contains(a) || b.contains(c) {
		return 0
	}
	k := b.corners()
	best := math.Min(b.pointDist(a), b.pointDist(c))
	for i := range k {
		e0, e1 := k[i], k[(i+1)%4]
		if segmentsIntersect(a, c, e0, e1) {
			return 0
		}
		best = math.Min(best, pointSegmentDist(e0, a, c))
	}
	return best
}
