// Package core is the ride-sharing service: it owns the registry, the
// pending and active ride coordinators and the active-user index, and is the
// only entry point the transport layers call.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rideshare/internal/active"
	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/ingest"
	"github.com/example/rideshare/internal/matcher"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/pending"
	"github.com/example/rideshare/internal/quadtree"
	"github.com/example/rideshare/internal/registry"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/routing"
	"github.com/example/rideshare/internal/storage"
	"github.com/example/rideshare/internal/supervisor"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = storage.ErrNotFound
)

type Config struct {
	Registry     registry.Options
	Pending      pending.Config
	UsersTree    quadtree.Options
	BufferMeters float64
	SpeedMps     float64
	IOTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Registry:     registry.DefaultOptions(),
		Pending:      pending.DefaultConfig(),
		UsersTree:    quadtree.DefaultOptions(),
		BufferMeters: 1000,
		SpeedMps:     10,
		IOTimeout:    10 * time.Second,
	}
}

// LocationPublisher forwards location pings to the ingest pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p ingest.LocationPing) error
}

type Deps struct {
	Router    routing.Router
	Store     storage.Store
	Notifier  dispatch.Notifier
	Fares     active.Fares
	Reporter  supervisor.Reporter
	Publisher LocationPublisher
	Logger    *slog.Logger
}

type Service struct {
	cfg       Config
	log       *slog.Logger
	store     storage.Store
	publisher LocationPublisher

	sup      *supervisor.Supervisor
	matcher  *matcher.Service
	registry *registry.Registry
	pending  *pending.Manager
	active   *active.Tracker
	users    *quadtree.Tree[string]

	userElems sync.Map // user id -> *quadtree.Element[string]
	reqs      sync.Map // request id -> *requests.Request, until canceled or riding

	ctx  context.Context
	stop context.CancelFunc
}

func New(cfg Config, d Deps) (*Service, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Store == nil {
		d.Store = storage.NewMemoryStore()
	}
	if d.Reporter == nil {
		d.Reporter = supervisor.LogReporter{Logger: logger}
	}
	if d.Notifier == nil {
		d.Notifier = dispatch.LogNotifier{Logger: logger}
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	cfg.Pending.IOTimeout = cfg.IOTimeout

	users, err := quadtree.New[string](cfg.UsersTree)
	if err != nil {
		return nil, fmt.Errorf("users index: %w", err)
	}
	s := &Service{
		cfg:       cfg,
		log:       logger.With("component", "core"),
		store:     d.Store,
		publisher: d.Publisher,
		sup:       supervisor.New(d.Reporter),
		users:     users,
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.matcher = matcher.New(d.Router, cfg.SpeedMps, cfg.BufferMeters, logger)
	s.active = active.New(d.Store, d.Notifier, d.Fares, logger)

	s.registry, err = registry.New(cfg.Registry, s.matcher, s.sup, s.handleMatch, logger)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	s.pending = pending.NewManager(cfg.Pending, pending.Deps{
		Routes:    s.matcher,
		Activator: s.active,
		Resubmit:  s.registry,
		Store:     d.Store,
		Notifier:  d.Notifier,
		Logger:    logger,
	})
	return s, nil
}

// Run drives the background maintenance until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	tasks := []*supervisor.Task{
		s.sup.Go(ctx, "reindex-registry", s.registry.Run, nil),
		s.sup.Go(ctx, "reindex-users", s.reindexUsers, nil),
	}
	<-ctx.Done()
	for _, t := range tasks {
		_ = t.Wait()
	}
	return nil
}

func (s *Service) reindexUsers(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Registry.ReindexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st := s.users.Reindex()
			observability.ReindexOps.WithLabelValues("users", "subdivide").Add(float64(st.Subdivided))
			observability.ReindexOps.WithLabelValues("users", "join").Add(float64(st.Joined))
		}
	}
}

// Close stops in-flight matching tasks and waits for them.
func (s *Service) Close() {
	s.stop()
	s.sup.Wait()
}

func validPoints(ps ...geo.Point) error {
	for _, p := range ps {
		if !p.Valid() {
			return fmt.Errorf("%w: coordinate out of range (%v, %v)", ErrInvalidInput, p.Lat, p.Lon)
		}
	}
	return nil
}

// SubmitRequest registers a passenger's ride request and returns its id.
func (s *Service) SubmitRequest(ctx context.Context, userID string, origin, destination geo.Point) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if err := validPoints(origin, destination); err != nil {
		return "", err
	}
	r := requests.NewRequest(userID, origin, destination)
	s.track(ctx, r)
	if !s.registry.AddRequest(r) {
		return "", fmt.Errorf("%w: request could not be registered", ErrInvalidInput)
	}
	s.log.Info("request submitted", "request_id", r.ID, "user_id", userID)
	return r.ID, nil
}

// SubmitOffer registers a driver's offer and starts matching it.
func (s *Service) SubmitOffer(ctx context.Context, userID string, origin, destination geo.Point, maxTimeOutOfWay time.Duration, seats int) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if err := validPoints(origin, destination); err != nil {
		return "", err
	}
	if seats <= 0 || maxTimeOutOfWay < 0 {
		return "", fmt.Errorf("%w: seats must be positive and max time out of way non-negative", ErrInvalidInput)
	}
	o := requests.NewOffer(userID, origin, destination, maxTimeOutOfWay, seats)
	s.track(ctx, o)
	if _, ok := s.registry.AddOffer(s.ctx, o); !ok {
		return "", fmt.Errorf("%w: offer could not be registered", ErrInvalidInput)
	}
	s.log.Info("offer submitted", "offer_id", o.ID, "user_id", userID)
	return o.ID, nil
}

// track remembers r for cancellation and status reads and persists its
// status on every cancellation.
func (s *Service) track(ctx context.Context, r *requests.Request) {
	s.reqs.Store(r.ID, r)
	s.saveRequest(ctx, r)
	r.OnCanceled(func() {
		s.reqs.CompareAndDelete(r.ID, r)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
		defer cancel()
		s.saveRequest(ctx, r)
	})
}

func (s *Service) saveRequest(ctx context.Context, r *requests.Request) {
	if err := storage.PutJSON(ctx, s.store, r.StoreKey(), r.Status()); err != nil {
		s.log.Warn("persist failed", "request_id", r.ID, "error", err)
	}
}

func (s *Service) handleMatch(offer *requests.Request, m matcher.Match) {
	ride := s.pending.Create(offer, m)
	ride.OnStateChange(func(st models.PendingRideState) {
		if st != models.PendingConfirmed {
			return
		}
		s.reqs.CompareAndDelete(offer.ID, offer)
		for _, r := range m.Riders {
			s.reqs.CompareAndDelete(r.ID, r)
		}
	})
}

// Cancel cancels a request or offer. A non-empty userID must own it.
func (s *Service) Cancel(requestID, userID string) bool {
	v, ok := s.reqs.Load(requestID)
	if !ok {
		return false
	}
	r := v.(*requests.Request)
	if userID != "" && r.UserID != userID {
		return false
	}
	return r.Cancel()
}

func (s *Service) ConfirmPendingRide(pendingRideID, userID string) bool {
	return s.pending.Confirm(pendingRideID, userID)
}

func (s *Service) MarkInRide(activeRideID, userID string) bool {
	return s.active.MarkUserInRide(activeRideID, userID)
}

func (s *Service) MarkFinished(activeRideID, userID string) bool {
	return s.active.MarkUserFinished(activeRideID, userID)
}

func (s *Service) MarkCanceled(activeRideID, userID string) bool {
	return s.active.MarkUserCanceled(activeRideID, userID)
}

// ReportLocation hands a ping to the ingest pipeline when one is configured
// and applies it directly otherwise.
func (s *Service) ReportLocation(ctx context.Context, userID string, p geo.Point) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if err := validPoints(p); err != nil {
		return err
	}
	if s.publisher != nil {
		return s.publisher.PublishLocation(ctx, ingest.LocationPing{UserID: userID, Point: p, At: time.Now()})
	}
	return s.UpdateUserLocation(ctx, userID, p)
}

type userLocation struct {
	UserID string    `json:"user_id"`
	Point  geo.Point `json:"point"`
	At     time.Time `json:"at"`
}

func userLocationKey(userID string) string { return userID + "/location" }

// UpdateUserLocation moves the user in the active-user index, inserting them
// on first sight, and stores the last known position.
func (s *Service) UpdateUserLocation(ctx context.Context, userID string, p geo.Point) error {
	if err := validPoints(p); err != nil {
		return err
	}
	p = p.Normalized()
	for {
		v, ok := s.userElems.Load(userID)
		if !ok {
			e := s.users.Insert(userID, p)
			if _, loaded := s.userElems.LoadOrStore(userID, e); loaded {
				s.users.Remove(e)
				continue
			}
			observability.UsersOnline.Inc()
			break
		}
		e := v.(*quadtree.Element[string])
		if s.users.Move(e, p) {
			break
		}
		if !e.Removed() {
			// A concurrent update for the same user is in flight.
			break
		}
		s.userElems.CompareAndDelete(userID, e)
	}
	return storage.PutJSON(ctx, s.store, userLocationKey(userID), userLocation{UserID: userID, Point: p, At: time.Now()})
}

// ForgetUser drops the user from the active-user index.
func (s *Service) ForgetUser(ctx context.Context, userID string) bool {
	v, ok := s.userElems.LoadAndDelete(userID)
	if !ok {
		return false
	}
	if s.users.Remove(v.(*quadtree.Element[string])) {
		observability.UsersOnline.Dec()
	}
	if err := s.store.Delete(ctx, userLocationKey(userID)); err != nil {
		s.log.Warn("delete location failed", "user_id", userID, "error", err)
	}
	return true
}

// NearbyUsers lists the positions of active users inside r.
func (s *Service) NearbyUsers(r geo.Rect) []geo.Point {
	els := s.users.RangeQuery(r.Intersects)
	out := make([]geo.Point, 0, len(els))
	for _, e := range els {
		out = append(out, e.Point())
	}
	return out
}

// PendingRequestLocations lists the pickup points of waiting requests
// inside r.
func (s *Service) PendingRequestLocations(r geo.Rect) []geo.Point {
	return s.registry.PendingLocations(r)
}

func (s *Service) RequestStatus(ctx context.Context, userID, requestID string) (models.RideRelatedRequestStatus, error) {
	if v, ok := s.reqs.Load(requestID); ok {
		if r := v.(*requests.Request); r.UserID == userID {
			return r.Status(), nil
		}
	}
	var st models.RideRelatedRequestStatus
	err := storage.GetJSON(ctx, s.store, models.RequestKey(userID, requestID), &st)
	return st, err
}

func (s *Service) PendingRideStatus(ctx context.Context, id string) (models.PendingRideStatus, error) {
	if r, ok := s.pending.Get(id); ok {
		return r.Status(), nil
	}
	var st models.PendingRideStatus
	err := storage.GetJSON(ctx, s.store, models.PendingRideKey(id), &st)
	return st, err
}

func (s *Service) ActiveRideStatus(ctx context.Context, id string) (models.ActiveRideStatus, error) {
	if r, ok := s.active.Get(id); ok {
		return r.Status(), nil
	}
	var st models.ActiveRideStatus
	err := storage.GetJSON(ctx, s.store, models.ActiveRideKey(id), &st)
	return st, err
}

// Stats is a snapshot of the in-memory population.
type Stats struct {
	PendingRides int `json:"pending_rides"`
	ActiveRides  int `json:"active_rides"`
	UsersOnline  int `json:"users_online"`
}

func (s *Service) Stats() Stats {
	return Stats{PendingRides: s.pending.Len(), ActiveRides: s.active.Len(), UsersOnline: s.users.Len()}
}
