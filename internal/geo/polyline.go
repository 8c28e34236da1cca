package geo

// Polyline is an ordered path of points.
type Polyline []Point

// StraightLine builds a polyline through the given points in order.
func StraightLine(points ...Point) Polyline {
	out := make(Polyline, len(points))
	copy(out, points)
	return out
}

// Segments returns the consecutive segments of the polyline. A single point
// yields one degenerate segment so distance tests still work.
func (pl Polyline) Segments() []Segment {
	switch len(pl) {
	case 0:
		return nil
	case 1:
		return []Segment{{A: pl[0], B: pl[0]}}
	}
	out := make([]Segment, 0, len(pl)-1)
	for i := 1; i < len(pl); i++ {
		out = append(out, Segment{A: pl[i-1], B: pl[i]})
	}
	return out
}

// LengthMeters sums the haversine length of every segment.
func (pl Polyline) LengthMeters() float64 {
	total := 0.0
	for i := 1; i < len(pl); i++ {
		total += Haversine(pl[i-1].Lat, pl[i-1].Lon, pl[i].Lat, pl[i].Lon)
	}
	return total
}

// MaxAbsLat is the largest absolute latitude on the path; useful for picking
// a conservative meters-to-degrees conversion.
func (pl Polyline) MaxAbsLat() float64 {
	m := 0.0
	for _, p := range pl {
		if p.Lat > m {
			m = p.Lat
		} else if -p.Lat > m {
			m = -p.Lat
		}
	}
	return m
}
