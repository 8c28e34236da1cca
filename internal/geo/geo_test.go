package geo

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNewPointNormalizes(t *testing.T) {
	cases := []struct {
		lat, lon float64
		want     Point
	}{
		{0, 180, Point{0, -180}},
		{0, 190, Point{0, -170}},
		{0, -190, Point{0, 170}},
		{95, 720, Point{90, 0}},
		{-95, -540, Point{-90, -180}},
	}
	for _, c := range cases {
		got := NewPoint(c.lat, c.lon)
		if !got.Equal(c.want) {
			t.Fatalf("NewPoint(%v,%v) = %+v, want %+v", c.lat, c.lon, got, c.want)
		}
	}
}

func TestPointEqualAcrossSeam(t *testing.T) {
	if !(Point{Lat: 10, Lon: -180}).Equal(Point{Lat: 10, Lon: 180}) {
		t.Fatal("expected -180 and 180 to be equal")
	}
	if (Point{Lat: 10, Lon: 0}).Equal(Point{Lat: 10, Lon: 1e-5}) {
		t.Fatal("points 1m apart must not be equal")
	}
}

func TestRectValid(t *testing.T) {
	cases := []struct {
		name string
		r    Rect
		ok   bool
	}{
		{"plain", Rect{South: 0, West: 0, Height: 1, Width: 1}, true},
		{"seam", RectFromCorners(-1, 175, 1, -179), true},
		{"globe", Rect{South: -90, West: -180, Height: 180, Width: 400}, true},
		{"negative width", Rect{Width: -1, Height: 1}, false},
		{"past north pole", Rect{South: 80, Height: 20, Width: 1}, false},
		{"nan", Rect{South: math.NaN()}, false},
	}
	for _, c := range cases {
		if got := c.r.Valid(); got != c.ok {
			t.Fatalf("%s: Valid() = %v, want %v", c.name, got, c.ok)
		}
	}
}

func TestRectSplit(t *testing.T) {
	r := RectFromCorners(-1, 175, 1, -179)
	parts := r.Split()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].West != 175 || parts[0].Width != 5 {
		t.Fatalf("unexpected first part %+v", parts[0])
	}
	if parts[1].West != -180 || parts[1].Width != 1 {
		t.Fatalf("unexpected second part %+v", parts[1])
	}
	if got := (Rect{West: 10, Width: 5}).Split(); len(got) != 1 {
		t.Fatalf("non-crossing rect split into %d parts", len(got))
	}
}

// Rotating every longitude by 180 moves the seam to the prime meridian, so a
// seam-crossing rectangle must answer exactly like its rotated twin.
func TestSeamMatchesShiftedEquivalent(t *testing.T) {
	seam := RectFromCorners(-1, 175, 1, -179)
	plain := RectFromCorners(-1, -5, 1, 1)
	rot := func(p Point) Point { return NewPoint(p.Lat, p.Lon+180) }

	points := []Point{{0, 178}, {0, -179.5}, {0, 179.999}, {0, -178}, {0, 174}, {2, 177}, {1, -179}}
	for _, p := range points {
		if seam.ContainsPoint(p) != plain.ContainsPoint(rot(p)) {
			t.Fatalf("ContainsPoint mismatch for %+v", p)
		}
	}

	segs := []Segment{
		{A: Point{0, 170}, B: Point{0, -170}},
		{A: Point{5, 179}, B: Point{5, -179}},
		{A: Point{-3, 160}, B: Point{3, 160}},
		{A: Point{-2, 179.5}, B: Point{2, -179.5}},
	}
	for _, s := range segs {
		rs := Segment{A: rot(s.A), B: rot(s.B)}
		if seam.IntersectsSegment(s) != plain.IntersectsSegment(rs) {
			t.Fatalf("IntersectsSegment mismatch for %+v", s)
		}
		for _, d := range []float64{0.5, 3, 20} {
			if seam.NearSegment(s, d) != plain.NearSegment(rs, d) {
				t.Fatalf("NearSegment(%v) mismatch for %+v", d, s)
			}
		}
	}

	if !seam.IntersectsSegment(Segment{A: Point{0, 170}, B: Point{0, -170}}) {
		t.Fatal("seam-crossing segment should hit the rectangle")
	}
	if seam.IntersectsSegment(Segment{A: Point{5, 179}, B: Point{5, -179}}) {
		t.Fatal("segment north of the rectangle should miss")
	}
}

func TestSegmentSeamRepresentative(t *testing.T) {
	s := Segment{A: Point{0, 179}, B: Point{0, -179}}
	dLat, dLon := s.Vector()
	if dLat != 0 || math.Abs(dLon-2) > 1e-9 {
		t.Fatalf("expected short way east (0,2), got (%v,%v)", dLat, dLon)
	}
	if d := s.DistanceTo(Point{1, 180}); math.Abs(d-1) > 1e-9 {
		t.Fatalf("expected distance 1, got %v", d)
	}
	other := Segment{A: Point{1, 179}, B: Point{-1, -179}}
	if !(Segment{A: Point{-1, 179}, B: Point{1, -179}}).Intersects(other) {
		t.Fatal("crossing segments at the seam should intersect")
	}
}

func TestDegenerateSegmentFallsBackToPointDistance(t *testing.T) {
	s := Segment{A: Point{0, 0}, B: Point{0, 0}}
	if !s.Degenerate() {
		t.Fatal("expected degenerate")
	}
	if d := s.DistanceTo(Point{3, 4}); math.Abs(d-5) > 1e-9 {
		t.Fatalf("expected 5, got %v", d)
	}
}

func TestRectNearPolylineMonotonic(t *testing.T) {
	route := StraightLine(Point{0, 0}, Point{0, 1}, Point{1, 1})
	inner := Rect{South: 0.5, West: 0.5, Height: 0.01, Width: 0.01}
	outer := Rect{South: 0.4, West: 0.4, Height: 0.2, Width: 0.2}
	if !outer.ContainsRect(inner) {
		t.Fatal("outer should contain inner")
	}
	for _, d := range []float64{0.01, 0.1, 0.45, 0.5} {
		if inner.NearPolyline(route, d) && !outer.NearPolyline(route, d) {
			t.Fatalf("predicate not monotonic at %v", d)
		}
	}
	if !RectFromPoint(Point{0.001, 0.5}).NearPolyline(route, 0.01) {
		t.Fatal("point next to the route should be near")
	}
	if RectFromPoint(Point{0.5, 0.2}).NearPolyline(route, 0.1) {
		t.Fatal("point far from the route should not be near")
	}
}

func TestMetersToDegreesBounds(t *testing.T) {
	up := MetersToDegreesUpper(1000, 0)
	lo := MetersToDegreesLower(1000)
	if lo >= up {
		t.Fatalf("lower %v should be below upper %v", lo, up)
	}
	if MetersToDegreesUpper(1000, 60) <= up {
		t.Fatal("upper bound should grow with latitude")
	}
	if math.IsInf(MetersToDegreesUpper(1000, 90), 0) {
		t.Fatal("upper bound must stay finite at the pole")
	}
}
