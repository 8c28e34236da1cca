// Package active tracks confirmed rides until every participant is done.
package active

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/storage"
)

// Fares holds, captures and releases rider payments. Calls are made outside
// every ride lock.
type Fares interface {
	Hold(ctx context.Context, rideID, userID string, ride models.RideInfo) error
	Capture(ctx context.Context, rideID, userID string) error
	Release(ctx context.Context, rideID, userID string) error
}

type Ride struct {
	ID       string
	DriverID string

	mu      sync.Mutex
	info    models.RideInfo
	state   models.RideState
	riders  map[string]models.RiderState
	version int64

	persistMu sync.Mutex
}

func (r *Ride) statusLocked() models.ActiveRideStatus {
	rs := make(map[string]models.RiderState, len(r.riders))
	for k, v := range r.riders {
		rs[k] = v
	}
	return models.ActiveRideStatus{ID: r.ID, Version: r.version, RideInfo: r.info, RideState: r.state, RidersState: rs}
}

func (r *Ride) Status() models.ActiveRideStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// recomputeLocked derives the ride state from the rider states.
func (r *Ride) recomputeLocked() {
	active, dropped := 0, 0
	for _, s := range r.riders {
		switch s {
		case models.RiderWaiting, models.RiderInRide:
			active++
		case models.RiderDroppedOff:
			dropped++
		}
	}
	switch {
	case active > 0:
		r.state = models.RideInProgress
	case dropped > 0:
		r.state = models.RideFinished
	default:
		r.state = models.RideCanceled
	}
}

type Tracker struct {
	store     storage.Store
	notifier  dispatch.Notifier
	fares     Fares
	log       *slog.Logger
	ioTimeout time.Duration

	rides sync.Map // id -> *Ride
}

// New builds a tracker. fares may be nil.
func New(store storage.Store, notifier dispatch.Notifier, fares Fares, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, notifier: notifier, fares: fares, log: logger.With("component", "active"), ioTimeout: 10 * time.Second}
}

// Activate creates the active ride for a confirmed pending ride.
func (t *Tracker) Activate(ctx context.Context, driver *requests.Request, riders []*requests.Request, info models.RideInfo) (string, error) {
	r := &Ride{
		ID:       uuid.NewString(),
		DriverID: driver.UserID,
		info:     info,
		state:    models.RideInProgress,
		riders:   make(map[string]models.RiderState, len(riders)),
		version:  1,
	}
	for _, rq := range riders {
		r.riders[rq.UserID] = models.RiderWaiting
	}
	t.rides.Store(r.ID, r)
	observability.ActiveRides.Inc()
	t.log.Info("active ride created", "active_ride_id", r.ID, "driver_id", r.DriverID, "riders", len(riders))

	t.persist(ctx, r)
	if t.fares != nil {
		for _, rq := range riders {
			if err := t.fares.Hold(ctx, r.ID, rq.UserID, info); err != nil {
				t.log.Warn("fare hold failed", "active_ride_id", r.ID, "user_id", rq.UserID, "error", err)
			}
		}
	}
	return r.ID, nil
}

func (t *Tracker) Get(id string) (*Ride, bool) {
	v, ok := t.rides.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Ride), true
}

func (t *Tracker) Len() int {
	n := 0
	t.rides.Range(func(any, any) bool { n++; return true })
	return n
}

// change is the outcome of one mutation, applied after the ride lock is
// released.
type change struct {
	capture, release []string
	riderState       models.RiderState
	rideChanged      bool
}

// MarkUserInRide records that a waiting rider boarded.
func (t *Tracker) MarkUserInRide(rideID, userID string) bool {
	return t.mutate(rideID, userID, func(r *Ride) (change, bool) {
		if r.riders[userID] != models.RiderWaiting {
			return change{}, false
		}
		r.riders[userID] = models.RiderInRide
		return change{riderState: models.RiderInRide}, true
	})
}

// MarkUserFinished drops off a rider, or ends the whole ride when userID is
// the driver.
func (t *Tracker) MarkUserFinished(rideID, userID string) bool {
	return t.mutate(rideID, userID, func(r *Ride) (change, bool) {
		if userID == r.DriverID {
			var c change
			for u, s := range r.riders {
				switch s {
				case models.RiderInRide:
					c.capture = append(c.capture, u)
				case models.RiderWaiting:
					c.release = append(c.release, u)
				}
			}
			r.state = models.RideFinished
			c.rideChanged = true
			return c, true
		}
		s, ok := r.riders[userID]
		if !ok || (s != models.RiderWaiting && s != models.RiderInRide) {
			return change{}, false
		}
		r.riders[userID] = models.RiderDroppedOff
		r.recomputeLocked()
		return change{riderState: models.RiderDroppedOff, capture: []string{userID}, rideChanged: r.state != models.RideInProgress}, true
	})
}

// MarkUserCanceled cancels a waiting rider, or the whole ride when userID is
// the driver.
func (t *Tracker) MarkUserCanceled(rideID, userID string) bool {
	return t.mutate(rideID, userID, func(r *Ride) (change, bool) {
		if userID == r.DriverID {
			var c change
			for u, s := range r.riders {
				if s == models.RiderWaiting || s == models.RiderInRide {
					c.release = append(c.release, u)
				}
			}
			r.state = models.RideCanceled
			c.rideChanged = true
			return c, true
		}
		if r.riders[userID] != models.RiderWaiting {
			return change{}, false
		}
		r.riders[userID] = models.RiderCanceled
		r.info = r.info.WithoutUser(userID)
		r.recomputeLocked()
		return change{riderState: models.RiderCanceled, release: []string{userID}, rideChanged: r.state != models.RideInProgress}, true
	})
}

func (t *Tracker) mutate(rideID, userID string, fn func(r *Ride) (change, bool)) bool {
	r, ok := t.Get(rideID)
	if !ok {
		return false
	}
	r.mu.Lock()
	if r.state != models.RideInProgress {
		r.mu.Unlock()
		return false
	}
	c, ok := fn(r)
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.version++
	state := r.state
	participants := make([]string, 0, len(r.riders)+1)
	participants = append(participants, r.DriverID)
	for u := range r.riders {
		participants = append(participants, u)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.ioTimeout)
	defer cancel()
	t.settle(ctx, r, c)
	t.persist(ctx, r)
	if state != models.RideInProgress && t.rides.CompareAndDelete(r.ID, r) {
		observability.ActiveRides.Dec()
		t.log.Info("active ride ended", "active_ride_id", r.ID, "state", state)
	}

	if c.riderState != "" {
		t.notify(ctx, r.DriverID, dispatch.Notification{Type: dispatch.TypeRiderState, ActiveRideID: r.ID, State: string(c.riderState)})
	}
	if c.rideChanged {
		for _, u := range participants {
			t.notify(ctx, u, dispatch.Notification{Type: dispatch.TypeRideState, ActiveRideID: r.ID, State: string(state)})
		}
	}
	return true
}

func (t *Tracker) settle(ctx context.Context, r *Ride, c change) {
	if t.fares == nil {
		return
	}
	for _, u := range c.capture {
		if err := t.fares.Capture(ctx, r.ID, u); err != nil {
			t.log.Warn("fare capture failed", "active_ride_id", r.ID, "user_id", u, "error", err)
		}
	}
	for _, u := range c.release {
		if err := t.fares.Release(ctx, r.ID, u); err != nil {
			t.log.Warn("fare release failed", "active_ride_id", r.ID, "user_id", u, "error", err)
		}
	}
}

// persist writes the latest snapshot. Holding persistMu while taking the
// snapshot keeps stored versions monotonic.
func (t *Tracker) persist(ctx context.Context, r *Ride) {
	if t.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	st := r.Status()
	if err := storage.PutJSON(ctx, t.store, models.ActiveRideKey(r.ID), st); err != nil {
		t.log.Warn("persist failed", "active_ride_id", r.ID, "version", st.Version, "error", err)
	}
}

func (t *Tracker) notify(ctx context.Context, userID string, n dispatch.Notification) {
	if t.notifier == nil {
		return
	}
	n.At = time.Now()
	if err := t.notifier.Notify(ctx, userID, n); err != nil {
		t.log.Debug("notify failed", "user_id", userID, "type", n.Type, "error", err)
	}
}
