package geo

import "math"

const (
	earthRadiusMeters = 6371000.0

	metersPerDegreeLatMin     = 110574.0
	metersPerDegreeLatMax     = 111694.0
	metersPerDegreeLonEquator = 111320.0

	// keeps longitude conversions finite near the poles
	minCosLat = 0.01
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(a, b Point) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }

// MetersToDegreesUpper converts a distance in meters to a degree distance
// that is at least as large as the true extent in either axis near lat.
// Thresholds converted this way never miss a candidate.
func MetersToDegreesUpper(meters, lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCosLat {
		c = minCosLat
	}
	return math.Max(meters/metersPerDegreeLatMin, meters/(metersPerDegreeLonEquator*c))
}

// MetersToDegreesLower converts meters to a degree distance no larger than
// the true extent in either axis, at any latitude.
func MetersToDegreesLower(meters float64) float64 {
	return meters / metersPerDegreeLatMax
}
