package quadtree

import "github.com/example/rideshare/internal/geo"

// quadrant is a node of the tree. It is either a leaf holding elements or an
// internal node holding exactly four children, never both.
//
// parent, bounds and depth never change after construction. children,
// elements and disconnected are guarded by lock.
type quadrant[T any] struct {
	lock   rwuLock
	parent *quadrant[T]
	depth  int

	south, west, north, east float64

	children     *[4]*quadrant[T]
	elements     map[*Element[T]]struct{}
	disconnected bool
}

func newRoot[T any]() *quadrant[T] {
	return &quadrant[T]{
		south: -90, west: -180, north: 90, east: 180,
		elements: make(map[*Element[T]]struct{}),
	}
}

func (q *quadrant[T]) midpoints() (lat, lon float64) {
	return q.south + (q.north-q.south)/2, q.west + (q.east-q.west)/2
}

// childIndex numbers children 0..3 as (north half)<<1 | (east half).
func (q *quadrant[T]) childIndex(p geo.Point) int {
	midLat, midLon := q.midpoints()
	i := 0
	if p.Lat >= midLat {
		i |= 2
	}
	if p.Lon >= midLon {
		i |= 1
	}
	return i
}

// covers reports whether p falls in the half-open region of q. The northern
// and eastern edges of the globe are closed.
func (q *quadrant[T]) covers(p geo.Point) bool {
	inLat := p.Lat >= q.south && (p.Lat < q.north || (q.north >= 90 && p.Lat <= 90))
	inLon := p.Lon >= q.west && (p.Lon < q.east || (q.east >= 180 && p.Lon <= 180))
	return inLat && inLon
}

func (q *quadrant[T]) rect() geo.Rect {
	return geo.Rect{South: q.south, West: q.west, Height: q.north - q.south, Width: q.east - q.west}
}

func (q *quadrant[T]) split() [4]*quadrant[T] {
	midLat, midLon := q.midpoints()
	var kids [4]*quadrant[T]
	for i := range kids {
		c := &quadrant[T]{
			parent:   q,
			depth:    q.depth + 1,
			south:    q.south,
			north:    midLat,
			west:     q.west,
			east:     midLon,
			elements: make(map[*Element[T]]struct{}),
		}
		if i&2 != 0 {
			c.south, c.north = midLat, q.north
		}
		if i&1 != 0 {
			c.west, c.east = midLon, q.east
		}
		kids[i] = c
	}
	return kids
}

func (q *quadrant[T]) isLeaf() bool {
	leaf := q.children == nil
	if leaf == (q.elements == nil) {
		panic("quadtree: quadrant is both leaf and internal")
	}
	return leaf
}
