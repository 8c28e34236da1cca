// Package matcher pairs a driver offer with passenger requests lying along
// the driver's route.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/routing"
)

// Index answers range queries over the pickup and dropoff points of the
// requests waiting to be matched. Predicates are monotonic under rectangle
// containment.
type Index interface {
	PickupsNear(pred func(geo.Rect) bool) []*requests.Request
	DropoffsNear(pred func(geo.Rect) bool) []*requests.Request
}

// Match is a prospective ride. An empty Riders list is a solo ride on the
// driver's direct route.
type Match struct {
	Riders []*requests.Request
	Ride   models.RideInfo
}

func (m Match) Solo() bool { return len(m.Riders) == 0 }

type Service struct {
	router       *routing.Resilient
	bufferMeters float64
	log          *slog.Logger
}

// New builds a matcher. Routing errors from router never reach callers; they
// degrade to a straight line driven at speedMps.
func New(router routing.Router, speedMps, bufferMeters float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matcher")
	return &Service{
		router:       &routing.Resilient{Primary: router, Fallback: routing.StraightLine{SpeedMps: speedMps}, Logger: logger},
		bufferMeters: bufferMeters,
		log:          logger,
	}
}

// FindMatch picks at most one passenger for offer. It holds no locks; the
// caller must check that the riders are still available before committing.
func (s *Service) FindMatch(ctx context.Context, offer *requests.Request, idx Index) (Match, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	direct, _ := s.router.ComputeRoute(ctx, offer.Origin, offer.Destination)
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}

	for _, c := range s.candidates(offer, direct.Polyline, idx) {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		rt, _ := s.router.ComputeRoute(ctx, offer.Origin, offer.Destination, c.Origin, c.Destination)
		extra := s.detour(ctx, offer, direct, rt, c.Origin, c.Destination)
		if extra <= offer.MaxTimeOutOfWay {
			observability.MatchesTotal.WithLabelValues("shared").Inc()
			return Match{Riders: []*requests.Request{c}, Ride: rideInfo(offer, []*requests.Request{c}, rt)}, nil
		}
		s.log.Debug("candidate rejected", "offer_id", offer.ID, "request_id", c.ID,
			"detour", extra, "max_time_out_of_way", offer.MaxTimeOutOfWay)
	}
	observability.MatchesTotal.WithLabelValues("solo").Inc()
	return Match{Ride: rideInfo(offer, nil, direct)}, nil
}

// detour is the time rt adds to direct. When only one of the two routes is a
// straight-line estimate, both sides are measured as straight lines.
func (s *Service) detour(ctx context.Context, offer *requests.Request, direct, rt routing.Route, waypoints ...geo.Point) time.Duration {
	switch {
	case rt.Estimated && !direct.Estimated:
		direct, _ = s.router.Fallback.ComputeRoute(ctx, offer.Origin, offer.Destination)
	case direct.Estimated && !rt.Estimated:
		rt, _ = s.router.Fallback.ComputeRoute(ctx, offer.Origin, offer.Destination, waypoints...)
	}
	return rt.Duration - direct.Duration
}

// candidates returns the requests whose pickup and dropoff both lie near the
// route and whose direction agrees with the offer's, oldest first.
func (s *Service) candidates(offer *requests.Request, route geo.Polyline, idx Index) []*requests.Request {
	buf := geo.MetersToDegreesUpper(s.bufferMeters, route.MaxAbsLat())
	near := func(r geo.Rect) bool { return r.NearPolyline(route, buf) }

	dropoffs := make(map[string]struct{})
	for _, r := range idx.DropoffsNear(near) {
		dropoffs[r.ID] = struct{}{}
	}
	dir := offer.Segment()
	var out []*requests.Request
	for _, r := range idx.PickupsNear(near) {
		if _, ok := dropoffs[r.ID]; !ok {
			continue
		}
		if r.UserID == offer.UserID || r.IsCanceled() {
			continue
		}
		if r.Segment().Dot(dir) <= 0 {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostTime.Equal(out[j].PostTime) {
			return out[i].PostTime.Before(out[j].PostTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MakeBestRide routes offer through each rider's pickup and dropoff in the
// given order.
func (s *Service) MakeBestRide(ctx context.Context, offer *requests.Request, riders []*requests.Request) models.RideInfo {
	waypoints := make([]geo.Point, 0, 2*len(riders))
	for _, r := range riders {
		waypoints = append(waypoints, r.Origin, r.Destination)
	}
	rt, _ := s.router.ComputeRoute(ctx, offer.Origin, offer.Destination, waypoints...)
	return rideInfo(offer, riders, rt)
}

func rideInfo(offer *requests.Request, riders []*requests.Request, rt routing.Route) models.RideInfo {
	stops := make([]models.Stop, 0, 2+2*len(riders))
	stops = append(stops, models.Stop{Kind: models.StopOrigin, UserID: offer.UserID, RequestID: offer.ID, Point: offer.Origin})
	for _, r := range riders {
		stops = append(stops,
			models.Stop{Kind: models.StopPickup, UserID: r.UserID, RequestID: r.ID, Point: r.Origin},
			models.Stop{Kind: models.StopDropoff, UserID: r.UserID, RequestID: r.ID, Point: r.Destination},
		)
	}
	stops = append(stops, models.Stop{Kind: models.StopDestination, UserID: offer.UserID, RequestID: offer.ID, Point: offer.Destination})
	return models.RideInfo{
		Stops:           stops,
		Route:           rt.Polyline,
		DurationSeconds: rt.Duration.Seconds(),
		DistanceMeters:  rt.DistanceMeters,
	}
}
