package routing

import (
	"context"
	"log/slog"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/observability"
)

// Resilient wraps a primary router and degrades to a straight line whenever
// the primary fails, so callers never see a routing error.
type Resilient struct {
	Primary  Router
	Fallback StraightLine
	Logger   *slog.Logger
}

func (r *Resilient) ComputeRoute(ctx context.Context, origin, destination geo.Point, waypoints ...geo.Point) (Route, error) {
	if r.Primary != nil {
		rt, err := r.Primary.ComputeRoute(ctx, origin, destination, waypoints...)
		if err == nil && len(rt.Polyline) > 0 {
			return rt, nil
		}
		observability.RoutingFallbacks.Inc()
		if r.Logger != nil {
			r.Logger.Warn("routing failed, using straight line", "error", err, "stops", len(waypoints)+2)
		}
	}
	return r.Fallback.ComputeRoute(ctx, origin, destination, waypoints...)
}
