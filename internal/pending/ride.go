// Package pending coordinates the confirmation handshake between a driver
// and the riders of one match.
//
// A Ride moves WaitingOnDriver -> WaitingOnRiders -> Confirmed, or to
// Canceled from either waiting state. Every transition is decided under the
// ride's mutex; routing, activation, persistence and notification happen
// after it is released.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/event"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/requests"
)

type Ride struct {
	ID       string
	PostTime time.Time

	m      *Manager
	driver *requests.Request

	mu          sync.Mutex
	state       models.PendingRideState
	ride        models.RideInfo
	riders      []*requests.Request
	original    int
	confirmed   map[string]bool // by request id
	modified    bool
	finalizing  bool
	deadline    time.Time
	activeID    string
	version     int64
	driverTimer *time.Timer
	riderTimer  *time.Timer
	unsubs      []func()
	cleanup     sync.Once

	persistMu sync.Mutex
	changes   event.Hooks[models.PendingRideState]
}

func newRide(m *Manager, driver *requests.Request, riders []*requests.Request, ride models.RideInfo) *Ride {
	return &Ride{
		ID:        uuid.NewString(),
		PostTime:  time.Now(),
		m:         m,
		driver:    driver,
		state:     models.PendingWaitingOnDriver,
		ride:      ride,
		riders:    append([]*requests.Request(nil), riders...),
		original:  len(riders),
		confirmed: make(map[string]bool),
		version:   1,
	}
}

// start arms the driver timer and subscribes to every participant's
// cancellation. Already-canceled participants are handled synchronously.
func (r *Ride) start() {
	r.mu.Lock()
	r.deadline = time.Now().Add(r.m.cfg.DriverTimeout)
	r.driverTimer = time.AfterFunc(r.m.cfg.DriverTimeout, r.driverExpired)
	riders := append([]*requests.Request(nil), r.riders...)
	r.mu.Unlock()

	r.driver.AttachPendingRide(r.ID)
	for _, rq := range riders {
		rq.AttachPendingRide(r.ID)
	}

	r.persist()
	r.notify(r.driver.UserID, dispatch.Notification{Type: dispatch.TypeMatched, RequestID: r.driver.ID})
	for _, rq := range riders {
		r.notify(rq.UserID, dispatch.Notification{Type: dispatch.TypeMatched, RequestID: rq.ID})
	}

	r.track(r.driver.OnCanceled(r.driverCanceled))
	for _, rq := range riders {
		rq := rq
		r.track(rq.OnCanceled(func() { r.riderCanceled(rq) }))
	}
}

func (r *Ride) track(unsub func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		unsub()
		return
	}
	r.unsubs = append(r.unsubs, unsub)
}

// DriverConfirm records the driver's acceptance. It fails unless the ride
// is waiting on the driver.
func (r *Ride) DriverConfirm() bool {
	r.mu.Lock()
	if r.state != models.PendingWaitingOnDriver || r.finalizing {
		r.mu.Unlock()
		return false
	}
	if r.original == 0 && !r.m.cfg.AllowSoloRides {
		riders := r.cancelLocked()
		r.mu.Unlock()
		r.canceled("solo rides disabled", riders, false)
		return false
	}
	if !r.driver.MarkConfirmed() {
		r.mu.Unlock()
		return false
	}
	r.driverTimer.Stop()
	r.version++

	if len(r.riders) == 0 {
		r.finalizing = true
		r.mu.Unlock()
		r.finalize()
		return true
	}

	r.state = models.PendingWaitingOnRiders
	r.deadline = time.Now().Add(r.m.cfg.RiderTimeout)
	r.riderTimer = time.AfterFunc(r.m.cfg.RiderTimeout, r.ridersExpired)
	riders := append([]*requests.Request(nil), r.riders...)
	r.mu.Unlock()

	r.changes.Emit(models.PendingWaitingOnRiders)
	r.persist()
	for _, rq := range riders {
		r.notify(rq.UserID, dispatch.Notification{Type: dispatch.TypeDriverConfirmed, RequestID: rq.ID})
	}
	return true
}

// RiderConfirm records a rider's acceptance. Confirming twice succeeds; a
// user who is not a current rider gets false.
func (r *Ride) RiderConfirm(userID string) bool {
	r.mu.Lock()
	if r.state != models.PendingWaitingOnRiders {
		r.mu.Unlock()
		return false
	}
	rq := r.riderByUser(userID)
	if rq == nil {
		r.mu.Unlock()
		return false
	}
	if r.confirmed[rq.ID] {
		r.mu.Unlock()
		return true
	}
	if r.finalizing || !rq.MarkConfirmed() {
		r.mu.Unlock()
		return false
	}
	r.confirmed[rq.ID] = true
	r.version++
	done := r.decidedLocked()
	r.mu.Unlock()

	if done {
		r.finalize()
	} else {
		r.persist()
	}
	return true
}

func (r *Ride) riderByUser(userID string) *requests.Request {
	for _, rq := range r.riders {
		if rq.UserID == userID {
			return rq
		}
	}
	return nil
}

// decidedLocked reports whether every remaining rider confirmed, and if so
// claims the finalization.
func (r *Ride) decidedLocked() bool {
	if r.finalizing || len(r.confirmed) != len(r.riders) {
		return false
	}
	r.finalizing = true
	return true
}

func (r *Ride) removeRiderLocked(rq *requests.Request) bool {
	for i, x := range r.riders {
		if x == rq {
			r.riders = append(r.riders[:i], r.riders[i+1:]...)
			r.modified = true
			r.version++
			return true
		}
	}
	return false
}

func (r *Ride) riderCanceled(rq *requests.Request) {
	r.mu.Lock()
	if r.state.Terminal() || r.finalizing || r.confirmed[rq.ID] {
		r.mu.Unlock()
		return
	}
	if !r.removeRiderLocked(rq) {
		r.mu.Unlock()
		return
	}
	r.m.log.Info("rider left pending ride", "pending_ride_id", r.ID, "request_id", rq.ID, "user_id", rq.UserID)

	switch {
	case r.state == models.PendingWaitingOnDriver && len(r.riders) == 0:
		riders := r.cancelLocked()
		r.mu.Unlock()
		r.canceled("every rider canceled", riders, false)
		return
	case r.state == models.PendingWaitingOnRiders && r.decidedLocked():
		r.mu.Unlock()
		r.finalize()
		return
	}
	r.mu.Unlock()
	r.persist()
}

func (r *Ride) driverCanceled() {
	r.mu.Lock()
	if r.state != models.PendingWaitingOnDriver || r.finalizing {
		r.mu.Unlock()
		return
	}
	riders := r.cancelLocked()
	r.mu.Unlock()
	r.canceled("driver canceled", riders, true)
}

func (r *Ride) driverExpired() {
	r.mu.Lock()
	if r.state != models.PendingWaitingOnDriver || r.finalizing {
		r.mu.Unlock()
		return
	}
	riders := r.cancelLocked()
	r.mu.Unlock()
	r.driver.Expire()
	r.notify(r.driver.UserID, dispatch.Notification{Type: dispatch.TypeRequestExpired, RequestID: r.driver.ID})
	r.canceled("driver did not confirm in time", riders, true)
}

func (r *Ride) ridersExpired() {
	r.mu.Lock()
	if r.state != models.PendingWaitingOnRiders || r.finalizing {
		r.mu.Unlock()
		return
	}
	var expired []*requests.Request
	for _, rq := range append([]*requests.Request(nil), r.riders...) {
		if !r.confirmed[rq.ID] {
			r.removeRiderLocked(rq)
			expired = append(expired, rq)
		}
	}
	r.finalizing = true
	r.mu.Unlock()

	for _, rq := range expired {
		rq.Expire()
		r.m.log.Info("rider confirmation expired", "pending_ride_id", r.ID, "request_id", rq.ID, "user_id", rq.UserID)
		r.notify(rq.UserID, dispatch.Notification{Type: dispatch.TypeRequestExpired, RequestID: rq.ID})
	}
	r.finalize()
}

// cancelLocked moves the ride to Canceled and returns the riders still
// attached. The caller has checked that the transition is allowed.
func (r *Ride) cancelLocked() []*requests.Request {
	r.state = models.PendingCanceled
	r.version++
	r.cleanupLocked()
	return append([]*requests.Request(nil), r.riders...)
}

// canceled runs the side effects of a cancellation outside the lock. With
// resubmit the riders go back to the matching pool; every participant not
// resubmitted is withdrawn, the driver's offer included.
func (r *Ride) canceled(reason string, riders []*requests.Request, resubmit bool) {
	r.m.log.Info("pending ride canceled", "pending_ride_id", r.ID, "offer_id", r.driver.ID, "reason", reason)
	r.changes.Emit(models.PendingCanceled)
	for _, rq := range riders {
		if resubmit && r.m.resubmit != nil {
			r.m.resubmit.Resubmit(rq)
			continue
		}
		rq.Withdraw()
	}
	r.driver.Withdraw()
	r.persist()
	for _, rq := range riders {
		r.notify(rq.UserID, dispatch.Notification{Type: dispatch.TypeRideCanceled, RequestID: rq.ID})
	}
	r.notify(r.driver.UserID, dispatch.Notification{Type: dispatch.TypeRideCanceled, RequestID: r.driver.ID})
}

// finalize runs once, by whichever path claimed finalizing.
func (r *Ride) finalize() {
	r.mu.Lock()
	if r.driverTimer != nil {
		r.driverTimer.Stop()
	}
	if r.riderTimer != nil {
		r.riderTimer.Stop()
	}
	riders := append([]*requests.Request(nil), r.riders...)
	modified, original, info := r.modified, r.original, r.ride
	if len(riders) == 0 && original > 0 {
		left := r.cancelLocked()
		r.mu.Unlock()
		r.canceled("no rider confirmed", left, false)
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.m.cfg.IOTimeout)
	defer cancel()
	if modified {
		info = r.m.routes.MakeBestRide(ctx, r.driver, riders)
	}
	activeID, err := r.m.activator.Activate(ctx, r.driver, riders, info)
	if err != nil {
		r.m.log.Error("activation failed", "pending_ride_id", r.ID, "error", err)
		r.mu.Lock()
		left := r.cancelLocked()
		r.mu.Unlock()
		r.canceled("activation failed", left, false)
		return
	}

	r.mu.Lock()
	r.state = models.PendingConfirmed
	r.ride = info
	r.activeID = activeID
	r.version++
	r.cleanupLocked()
	r.mu.Unlock()

	r.m.log.Info("pending ride confirmed", "pending_ride_id", r.ID, "active_ride_id", activeID, "riders", len(riders))
	r.changes.Emit(models.PendingConfirmed)
	r.persist()
	n := dispatch.Notification{Type: dispatch.TypeRideConfirmed, ActiveRideID: activeID}
	r.notify(r.driver.UserID, n)
	for _, rq := range riders {
		r.notify(rq.UserID, n)
	}
}

func (r *Ride) cleanupLocked() {
	r.cleanup.Do(func() {
		if r.driverTimer != nil {
			r.driverTimer.Stop()
		}
		if r.riderTimer != nil {
			r.riderTimer.Stop()
		}
		for _, u := range r.unsubs {
			u()
		}
		r.unsubs = nil
	})
}

// OnStateChange subscribes fn to every state transition. fn runs outside
// the ride's lock.
func (r *Ride) OnStateChange(fn func(models.PendingRideState)) (unsubscribe func()) {
	return r.changes.Subscribe(fn)
}

// State returns the current state.
func (r *Ride) State() models.PendingRideState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Riders returns the user ids still part of the ride.
func (r *Ride) Riders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.riders))
	for i, rq := range r.riders {
		out[i] = rq.UserID
	}
	return out
}

func (r *Ride) DriverID() string { return r.driver.UserID }

func (r *Ride) Status() models.PendingRideStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var till time.Duration
	if !r.state.Terminal() {
		till = max(time.Until(r.deadline), 0)
	}
	return models.PendingRideStatus{
		ID:             r.ID,
		State:          r.state,
		RideInfo:       r.ride,
		PostTime:       r.PostTime,
		TimeTillExpire: till,
		ActiveRideID:   r.activeID,
		Version:        r.version,
	}
}

// persist writes the ride and participant snapshots. Writes are serialized
// so the store never goes back to an older version.
func (r *Ride) persist() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	st := r.Status()
	r.mu.Lock()
	parts := append([]*requests.Request{r.driver}, r.riders...)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.m.cfg.IOTimeout)
	defer cancel()
	r.m.save(ctx, models.PendingRideKey(r.ID), st)
	for _, rq := range parts {
		r.m.save(ctx, rq.StoreKey(), rq.Status())
	}
}

func (r *Ride) notify(userID string, n dispatch.Notification) {
	if n.PendingRideID == "" {
		n.PendingRideID = r.ID
	}
	r.m.notify(userID, n)
}
