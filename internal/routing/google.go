package routing

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/rideshare/internal/geo"
)

// GoogleClient computes routes with the Google Maps Directions API.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: client}, nil
}

func latLng(p geo.Point) string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon) }

func (g *GoogleClient) ComputeRoute(ctx context.Context, origin, destination geo.Point, waypoints ...geo.Point) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}
	for _, w := range waypoints {
		r.Waypoints = append(r.Waypoints, latLng(w))
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, ErrNoRoute
	}

	best := routes[0]
	var total time.Duration
	meters := 0
	for _, leg := range best.Legs {
		total += leg.Duration
		meters += leg.Distance.Meters
	}
	decoded, err := best.OverviewPolyline.Decode()
	if err != nil {
		return Route{}, fmt.Errorf("decode polyline: %w", err)
	}
	pl := make(geo.Polyline, 0, len(decoded))
	for _, ll := range decoded {
		pl = append(pl, geo.NewPoint(ll.Lat, ll.Lng))
	}
	return Route{Polyline: pl, Duration: total, DistanceMeters: float64(meters)}, nil
}
