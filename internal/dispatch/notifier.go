// Package dispatch delivers ride lifecycle notifications to users.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Type string

const (
	TypeMatched         Type = "matched"
	TypeDriverConfirmed Type = "driver_confirmed"
	TypeRideConfirmed   Type = "ride_confirmed"
	TypeRideCanceled    Type = "ride_canceled"
	TypeRequestExpired  Type = "request_expired"
	TypeRiderState      Type = "rider_state"
	TypeRideState       Type = "ride_state"
)

// Notification is one message to one user.
type Notification struct {
	Type          Type      `json:"type"`
	RequestID     string    `json:"request_id,omitempty"`
	PendingRideID string    `json:"pending_ride_id,omitempty"`
	ActiveRideID  string    `json:"active_ride_id,omitempty"`
	State         string    `json:"state,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier delivers a notification. Callers never hold locks while calling
// Notify.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Fanout delivers to every notifier and joins their errors. ErrNoSession
// from one notifier is not an error if another delivered.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, userID string, n Notification) error {
	var errs []error
	delivered := false
	for _, x := range f {
		err := x.Notify(ctx, userID, n)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoSession):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 && !delivered && len(f) > 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}

// LogNotifier records every notification in the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, userID string, n Notification) error {
	l.Logger.Info("notify", "user_id", userID, "type", n.Type,
		"request_id", n.RequestID, "pending_ride_id", n.PendingRideID, "active_ride_id", n.ActiveRideID, "state", n.State)
	return nil
}
