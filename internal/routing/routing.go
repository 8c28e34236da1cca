// Package routing computes driving routes through an ordered list of points.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/example/rideshare/internal/geo"
)

var ErrNoRoute = errors.New("routing: no route")

// Route is a driving path with its estimates.
type Route struct {
	Polyline       geo.Polyline
	Duration       time.Duration
	DistanceMeters float64
	// Estimated marks a straight-line estimate rather than a driving route.
	Estimated      bool
}

// Router is the routing service used by the matcher.
type Router interface {
	ComputeRoute(ctx context.Context, origin, destination geo.Point, waypoints ...geo.Point) (Route, error)
}

func stops(origin, destination geo.Point, waypoints []geo.Point) []geo.Point {
	out := make([]geo.Point, 0, len(waypoints)+2)
	out = append(out, origin)
	out = append(out, waypoints...)
	return append(out, destination)
}

// StraightLine estimates routes as straight lines driven at a constant
// speed. It never fails.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) ComputeRoute(_ context.Context, origin, destination geo.Point, waypoints ...geo.Point) (Route, error) {
	pl := geo.StraightLine(stops(origin, destination, waypoints)...)
	d := pl.LengthMeters()
	return Route{Polyline: pl, DistanceMeters: d, Duration: EstimateDuration(d, s.SpeedMps), Estimated: true}, nil
}

// EstimateDuration is distance / speed. In prod use a routing engine.
func EstimateDuration(meters, speedMps float64) time.Duration {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return time.Duration(meters / speedMps * float64(time.Second))
}
