// Package requests holds the ride request and ride offer entities and their
// confirmation lifecycle.
package requests

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideshare/internal/event"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
)

type Kind string

const (
	KindRequest Kind = "request"
	KindOffer   Kind = "offer"
)

// Request is a passenger's ride request or a driver's ride offer. Identity
// fields are fixed at construction; lifecycle fields are guarded by mu.
//
// Cancellation is one-shot: once Cancel or Expire succeeds no confirmation is
// honored, and once MarkConfirmed succeeds the request can no longer be
// canceled through this object.
type Request struct {
	ID          string
	UserID      string
	Kind        Kind
	Origin      geo.Point
	Destination geo.Point
	PostTime    time.Time

	// Offers only.
	MaxTimeOutOfWay time.Duration
	Seats           int

	canceled event.Once[struct{}]

	mu            sync.Mutex
	cancelling    bool
	confirmed     bool
	expired       bool
	pendingRideID string
	version       int64
}

func NewRequest(userID string, origin, destination geo.Point) *Request {
	return &Request{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        KindRequest,
		Origin:      origin.Normalized(),
		Destination: destination.Normalized(),
		PostTime:    time.Now(),
		version:     1,
	}
}

func NewOffer(userID string, origin, destination geo.Point, maxTimeOutOfWay time.Duration, seats int) *Request {
	r := NewRequest(userID, origin, destination)
	r.Kind = KindOffer
	r.MaxTimeOutOfWay = maxTimeOutOfWay
	r.Seats = seats
	return r
}

// Segment is the straight origin-to-destination segment.
func (r *Request) Segment() geo.Segment {
	return geo.Segment{A: r.Origin, B: r.Destination}
}

// Cancel fires the canceled event. It fails if the request was already
// canceled, expired or confirmed.
func (r *Request) Cancel() bool {
	if !r.beginCancel(false) {
		return false
	}
	return r.canceled.Fire(struct{}{})
}

// Expire is Cancel driven by a confirmation timeout; the request is also
// reported as expired in its status.
func (r *Request) Expire() bool {
	if !r.beginCancel(true) {
		return false
	}
	return r.canceled.Fire(struct{}{})
}

func (r *Request) beginCancel(expired bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelling || r.confirmed {
		return false
	}
	r.cancelling = true
	r.expired = expired
	r.version++
	return true
}

// Withdraw ends a request whose pending ride was canceled. Unlike Cancel it
// also ends a confirmed request. The pending ride id is kept so its final
// state stays readable.
func (r *Request) Withdraw() bool {
	r.mu.Lock()
	if r.cancelling {
		r.mu.Unlock()
		return false
	}
	r.cancelling = true
	r.confirmed = false
	r.version++
	r.mu.Unlock()
	return r.canceled.Fire(struct{}{})
}

// OnCanceled subscribes fn to the canceled event. If the request is already
// canceled fn runs before OnCanceled returns.
func (r *Request) OnCanceled(fn func()) (unsubscribe func()) {
	return r.canceled.Subscribe(func(struct{}) { fn() })
}

func (r *Request) IsCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelling
}

// MarkConfirmed records the user's confirmation. It fails once the request
// is canceled; confirming twice succeeds.
func (r *Request) MarkConfirmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelling {
		return false
	}
	if !r.confirmed {
		r.confirmed = true
		r.version++
	}
	return true
}

func (r *Request) IsConfirmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed
}

// AttachPendingRide records that the request is part of a pending ride.
func (r *Request) AttachPendingRide(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelling {
		return false
	}
	r.pendingRideID = id
	r.version++
	return true
}

// Unmatch reverts the request to the unmatched state so it can re-enter the
// matching pool.
func (r *Request) Unmatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingRideID = ""
	r.confirmed = false
	r.version++
}

func (r *Request) PendingRideID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingRideID
}

func (r *Request) Status() models.RideRelatedRequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RideRelatedRequestStatus{
		ID:            r.ID,
		IsExpired:     r.expired,
		PendingRideID: r.pendingRideID,
		Version:       r.version,
	}
}

// StoreKey is where the request's status snapshot is persisted.
func (r *Request) StoreKey() string { return models.RequestKey(r.UserID, r.ID) }
