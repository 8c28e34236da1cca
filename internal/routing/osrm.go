package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/rideshare/internal/geo"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

// ComputeRoute queries OSRM /route through every stop and returns the full
// geometry.
func (o *OSRMClient) ComputeRoute(ctx context.Context, origin, destination geo.Point, waypoints ...geo.Point) (Route, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=full&geometries=geojson
	pts := stops(origin, destination, waypoints)
	coords := make([]string, len(pts))
	for i, p := range pts {
		coords[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson", o.Endpoint, strings.Join(coords, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("%w: osrm code %v", ErrNoRoute, out.Code)
	}
	r := out.Routes[0]
	pl := make(geo.Polyline, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		pl = append(pl, geo.NewPoint(c[1], c[0]))
	}
	return Route{
		Polyline:       pl,
		Duration:       time.Duration(r.Duration * float64(time.Second)),
		DistanceMeters: r.Distance,
	}, nil
}
