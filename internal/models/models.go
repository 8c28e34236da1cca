package models

import (
	"time"

	"github.com/example/rideshare/internal/geo"
)

type StopKind string

const (
	StopOrigin      StopKind = "origin"
	StopPickup      StopKind = "pickup"
	StopDropoff     StopKind = "dropoff"
	StopDestination StopKind = "destination"
)

// Stop is one visit on a ride route.
type Stop struct {
	Kind      StopKind  `json:"kind"`
	UserID    string    `json:"user_id"`
	RequestID string    `json:"request_id"`
	Point     geo.Point `json:"point"`
}

// RideInfo is a prospective or final route: the ordered stops plus the path
// and estimates returned by the routing service.
type RideInfo struct {
	Stops           []Stop       `json:"stops"`
	Route           geo.Polyline `json:"route"`
	DurationSeconds float64      `json:"duration_seconds"`
	DistanceMeters  float64      `json:"distance_meters"`
}

func (r RideInfo) Duration() time.Duration {
	return time.Duration(r.DurationSeconds * float64(time.Second))
}

// WithoutUser returns a copy of r with every stop of userID removed. The
// path and estimates are left as they are.
func (r RideInfo) WithoutUser(userID string) RideInfo {
	out := r
	out.Stops = make([]Stop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.UserID == userID && (s.Kind == StopPickup || s.Kind == StopDropoff) {
			continue
		}
		out.Stops = append(out.Stops, s)
	}
	return out
}

type PendingRideState string

const (
	PendingWaitingOnDriver PendingRideState = "waiting_on_driver"
	PendingWaitingOnRiders PendingRideState = "waiting_on_riders"
	PendingConfirmed       PendingRideState = "confirmed"
	PendingCanceled        PendingRideState = "canceled"
)

func (s PendingRideState) Terminal() bool {
	return s == PendingConfirmed || s == PendingCanceled
}

type RideState string

const (
	RideInProgress RideState = "in_progress"
	RideFinished   RideState = "finished"
	RideCanceled   RideState = "canceled"
)

type RiderState string

const (
	RiderWaiting    RiderState = "waiting"
	RiderInRide     RiderState = "in_ride"
	RiderDroppedOff RiderState = "dropped_off"
	RiderCanceled   RiderState = "canceled"
)

// RideRelatedRequestStatus is the persisted view of a request or offer.
type RideRelatedRequestStatus struct {
	ID            string `json:"id"`
	IsExpired     bool   `json:"is_expired"`
	PendingRideID string `json:"pending_ride_id,omitempty"`
	Version       int64  `json:"version"`
}

// PendingRideStatus is the persisted view of a pending ride.
type PendingRideStatus struct {
	ID             string           `json:"id"`
	State          PendingRideState `json:"state"`
	RideInfo       RideInfo         `json:"ride_info"`
	PostTime       time.Time        `json:"post_time"`
	TimeTillExpire time.Duration    `json:"time_till_expire"`
	ActiveRideID   string           `json:"active_ride_id,omitempty"`
	Version        int64            `json:"version"`
}

// ActiveRideStatus is the persisted view of an active ride.
type ActiveRideStatus struct {
	ID          string                `json:"id"`
	Version     int64                 `json:"version"`
	RideInfo    RideInfo              `json:"ride_info"`
	RideState   RideState             `json:"ride_state"`
	RidersState map[string]RiderState `json:"riders_state"`
}

// Resource keys in the persistent store.

func RequestKey(userID, requestID string) string { return "requests/" + userID + "/" + requestID }

func PendingRideKey(id string) string { return "pending-rides/" + id }

func ActiveRideKey(id string) string { return "active-rides/" + id }
