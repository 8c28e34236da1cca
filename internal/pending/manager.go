package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/matcher"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/storage"
)

// Resubmitter returns riders to the matching pool.
type Resubmitter interface {
	Resubmit(r *requests.Request) bool
}

// Activator starts the active ride for a confirmed group and returns its id.
type Activator interface {
	Activate(ctx context.Context, driver *requests.Request, riders []*requests.Request, ride models.RideInfo) (string, error)
}

// RouteBuilder recomputes the route when the rider set changed.
type RouteBuilder interface {
	MakeBestRide(ctx context.Context, offer *requests.Request, riders []*requests.Request) models.RideInfo
}

type Config struct {
	DriverTimeout  time.Duration
	RiderTimeout   time.Duration
	AllowSoloRides bool
	IOTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{DriverTimeout: 120 * time.Second, RiderTimeout: 120 * time.Second, AllowSoloRides: true, IOTimeout: 10 * time.Second}
}

// Manager owns the pending rides that have not reached a terminal state.
type Manager struct {
	cfg       Config
	routes    RouteBuilder
	activator Activator
	resubmit  Resubmitter
	store     storage.Store
	notifier  dispatch.Notifier
	log       *slog.Logger

	rides sync.Map // id -> *Ride
}

type Deps struct {
	Routes    RouteBuilder
	Activator Activator
	Resubmit  Resubmitter
	Store     storage.Store
	Notifier  dispatch.Notifier
	Logger    *slog.Logger
}

func NewManager(cfg Config, d Deps) *Manager {
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		routes:    d.Routes,
		activator: d.Activator,
		resubmit:  d.Resubmit,
		store:     d.Store,
		notifier:  d.Notifier,
		log:       logger.With("component", "pending"),
	}
}

// Create starts the confirmation handshake for a committed match.
func (m *Manager) Create(driver *requests.Request, match matcher.Match) *Ride {
	r := newRide(m, driver, match.Riders, match.Ride)
	m.rides.Store(r.ID, r)
	observability.PendingRides.Inc()
	r.OnStateChange(func(s models.PendingRideState) {
		if s.Terminal() && m.rides.CompareAndDelete(r.ID, r) {
			observability.PendingRides.Dec()
			observability.PendingOutcomes.WithLabelValues(string(s)).Inc()
		}
	})
	m.log.Info("pending ride created", "pending_ride_id", r.ID, "offer_id", driver.ID, "riders", len(match.Riders))
	r.start()
	return r
}

func (m *Manager) Get(id string) (*Ride, bool) {
	v, ok := m.rides.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Ride), true
}

// Confirm routes a confirmation to the driver or rider path depending on who
// userID is.
func (m *Manager) Confirm(id, userID string) bool {
	r, ok := m.Get(id)
	if !ok {
		return false
	}
	if userID == r.DriverID() {
		return r.DriverConfirm()
	}
	return r.RiderConfirm(userID)
}

func (m *Manager) Len() int {
	n := 0
	m.rides.Range(func(any, any) bool { n++; return true })
	return n
}

func (m *Manager) save(ctx context.Context, key string, v any) {
	if m.store == nil {
		return
	}
	if err := storage.PutJSON(ctx, m.store, key, v); err != nil {
		m.log.Warn("persist failed", "key", key, "error", err)
	}
}

func (m *Manager) notify(userID string, n dispatch.Notification) {
	if m.notifier == nil {
		return
	}
	n.At = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.IOTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, userID, n); err != nil {
		m.log.Debug("notify failed", "user_id", userID, "type", n.Type, "error", err)
	}
}
