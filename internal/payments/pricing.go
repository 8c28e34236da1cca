package payments

import (
	"math"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
)

// Pricing defines the fare calculation parameters.
// Fare = BaseFare + DistanceKm*PerKmRate + DurationMins*PerMinuteRate,
// clamped to at least MinimumFare.
type Pricing struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
	MinimumFare   float64
}

func DefaultPricing() Pricing {
	return Pricing{BaseFare: 2.50, PerKmRate: 1.50, PerMinuteRate: 0.25, MinimumFare: 5.00}
}

func (p Pricing) Fare(distanceKm, durationMins float64) float64 {
	total := p.BaseFare + distanceKm*p.PerKmRate + durationMins*p.PerMinuteRate
	if total < p.MinimumFare {
		total = p.MinimumFare
	}
	return math.Round(total*100) / 100
}

// RiderFare prices the rider's own leg, pickup to dropoff. The duration is
// the ride's average pace applied to that leg.
func (p Pricing) RiderFare(ride models.RideInfo, userID string) float64 {
	var pickup, dropoff *geo.Point
	for i := range ride.Stops {
		s := &ride.Stops[i]
		if s.UserID != userID {
			continue
		}
		switch s.Kind {
		case models.StopPickup:
			pickup = &s.Point
		case models.StopDropoff:
			dropoff = &s.Point
		}
	}
	if pickup == nil || dropoff == nil {
		return p.MinimumFare
	}
	meters := geo.DistanceMeters(*pickup, *dropoff)
	mins := 0.0
	if ride.DistanceMeters > 0 {
		mins = ride.DurationSeconds / 60 * meters / ride.DistanceMeters
	}
	return p.Fare(meters/1000, mins)
}

// Cents converts a fare to the smallest currency unit.
func (p Pricing) Cents(fare float64) int64 { return int64(math.Round(fare * 100)) }
