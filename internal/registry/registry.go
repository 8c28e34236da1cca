// Package registry holds the ride requests and offers waiting to be matched.
// Requests are mirrored into a pickup index and a dropoff index; every offer
// gets a supervised matching task.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/matcher"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/quadtree"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/supervisor"
)

// Finder computes a prospective match for an offer against the registry.
type Finder interface {
	FindMatch(ctx context.Context, offer *requests.Request, idx matcher.Index) (matcher.Match, error)
}

// MatchFunc receives every committed match. The offer and riders have
// already left the registry when it runs.
type MatchFunc func(offer *requests.Request, m matcher.Match)

// MatchableRequest is a waiting request plus its two index handles.
type MatchableRequest struct {
	Request *requests.Request

	pickup      *quadtree.Element[*MatchableRequest]
	dropoff     *quadtree.Element[*MatchableRequest]
	unsubscribe func()
}

type openOffer struct {
	offer       *requests.Request
	unsubscribe func()
}

type Options struct {
	MatchTimeout    time.Duration
	ReindexInterval time.Duration
	Tree            quadtree.Options
}

func DefaultOptions() Options {
	return Options{MatchTimeout: 30 * time.Second, ReindexInterval: 10 * time.Second, Tree: quadtree.DefaultOptions()}
}

type Registry struct {
	opts     Options
	finder   Finder
	sup      *supervisor.Supervisor
	onMatch  MatchFunc
	log      *slog.Logger
	pickups  *quadtree.Tree[*MatchableRequest]
	dropoffs *quadtree.Tree[*MatchableRequest]

	requests sync.Map // request id -> *MatchableRequest
	offers   sync.Map // offer id -> *openOffer

	// buildMu serializes committing a match against removing a canceled
	// request or offer. It also guards the handle fields of entries.
	buildMu sync.Mutex
}

func New(opts Options, finder Finder, sup *supervisor.Supervisor, onMatch MatchFunc, logger *slog.Logger) (*Registry, error) {
	pickups, err := quadtree.New[*MatchableRequest](opts.Tree)
	if err != nil {
		return nil, err
	}
	dropoffs, err := quadtree.New[*MatchableRequest](opts.Tree)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:     opts,
		finder:   finder,
		sup:      sup,
		onMatch:  onMatch,
		log:      logger.With("component", "registry"),
		pickups:  pickups,
		dropoffs: dropoffs,
	}, nil
}

// AddRequest registers a ride request. It returns false if the request is
// canceled or already registered.
func (g *Registry) AddRequest(r *requests.Request) bool {
	if r.IsCanceled() {
		return false
	}
	mr := &MatchableRequest{Request: r}
	if _, loaded := g.requests.LoadOrStore(r.ID, mr); loaded {
		return false
	}
	observability.OpenRequests.Inc()

	g.buildMu.Lock()
	mr.pickup = g.pickups.Insert(mr, r.Origin)
	mr.dropoff = g.dropoffs.Insert(mr, r.Destination)
	g.buildMu.Unlock()

	unsub := r.OnCanceled(func() { g.removeRequest(mr) })
	g.buildMu.Lock()
	mr.unsubscribe = unsub
	g.buildMu.Unlock()
	return true
}

// Resubmit returns a request that fell out of a pending ride to the
// matching pool.
func (g *Registry) Resubmit(r *requests.Request) bool {
	r.Unmatch()
	return g.AddRequest(r)
}

func (g *Registry) removeRequest(mr *MatchableRequest) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.dropLocked(mr)
}

func (g *Registry) dropLocked(mr *MatchableRequest) {
	if g.requests.CompareAndDelete(mr.Request.ID, mr) {
		observability.OpenRequests.Dec()
	}
	if mr.pickup != nil {
		g.pickups.Remove(mr.pickup)
	}
	if mr.dropoff != nil {
		g.dropoffs.Remove(mr.dropoff)
	}
}

// AddOffer registers a ride offer and starts matching it in the background.
// If matching fails or does not finish within the match timeout the offer
// is canceled.
func (g *Registry) AddOffer(ctx context.Context, offer *requests.Request) (*supervisor.Task, bool) {
	if offer.IsCanceled() {
		return nil, false
	}
	oo := &openOffer{offer: offer}
	if _, loaded := g.offers.LoadOrStore(offer.ID, oo); loaded {
		return nil, false
	}
	observability.OpenOffers.Inc()
	unsub := offer.OnCanceled(func() {
		g.buildMu.Lock()
		defer g.buildMu.Unlock()
		if g.offers.CompareAndDelete(offer.ID, oo) {
			observability.OpenOffers.Dec()
		}
	})
	g.buildMu.Lock()
	oo.unsubscribe = unsub
	g.buildMu.Unlock()

	task := g.sup.Go(ctx, "match-offer", func(ctx context.Context) error {
		return g.match(ctx, oo)
	}, func(err error) {
		observability.MatchFailures.Inc()
		if offer.Cancel() {
			g.log.Warn("offer canceled after matching failed", "offer_id", offer.ID, "error", err)
		}
	})
	return task, true
}

func (g *Registry) match(ctx context.Context, oo *openOffer) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.MatchTimeout)
	defer cancel()
	for {
		m, err := g.finder.FindMatch(ctx, oo.offer, g)
		if err != nil {
			return err
		}
		committed, retry := g.commit(oo, m)
		if committed {
			if g.onMatch != nil {
				g.onMatch(oo.offer, m)
			}
			return nil
		}
		if !retry {
			return nil
		}
		g.log.Debug("match invalidated, retrying", "offer_id", oo.offer.ID)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// commit takes the offer and the matched riders out of the registry. It
// reports retry when a rider disappeared while the match was computed.
func (g *Registry) commit(oo *openOffer, m matcher.Match) (committed, retry bool) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()

	if oo.offer.IsCanceled() {
		return false, false
	}
	if v, ok := g.offers.Load(oo.offer.ID); !ok || v.(*openOffer) != oo {
		return false, false
	}
	mrs := make([]*MatchableRequest, 0, len(m.Riders))
	for _, r := range m.Riders {
		v, ok := g.requests.Load(r.ID)
		if !ok || v.(*MatchableRequest).Request != r || r.IsCanceled() {
			return false, true
		}
		mrs = append(mrs, v.(*MatchableRequest))
	}

	for _, mr := range mrs {
		g.dropLocked(mr)
		if mr.unsubscribe != nil {
			mr.unsubscribe()
		}
	}
	if g.offers.CompareAndDelete(oo.offer.ID, oo) {
		observability.OpenOffers.Dec()
	}
	if oo.unsubscribe != nil {
		oo.unsubscribe()
	}
	return true, false
}

func (g *Registry) elementsNear(t *quadtree.Tree[*MatchableRequest], pred func(geo.Rect) bool) []*requests.Request {
	els := t.RangeQuery(pred)
	out := make([]*requests.Request, 0, len(els))
	for _, e := range els {
		out = append(out, e.Value().Request)
	}
	return out
}

func (g *Registry) PickupsNear(pred func(geo.Rect) bool) []*requests.Request {
	return g.elementsNear(g.pickups, pred)
}

func (g *Registry) DropoffsNear(pred func(geo.Rect) bool) []*requests.Request {
	return g.elementsNear(g.dropoffs, pred)
}

// PendingLocations lists the pickup points of waiting requests inside r.
func (g *Registry) PendingLocations(r geo.Rect) []geo.Point {
	els := g.pickups.RangeQuery(r.Intersects)
	out := make([]geo.Point, 0, len(els))
	for _, e := range els {
		out = append(out, e.Point())
	}
	return out
}

// Request looks up a waiting request.
func (g *Registry) Request(id string) (*requests.Request, bool) {
	v, ok := g.requests.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*MatchableRequest).Request, true
}

// HasOffer reports whether offer id is still being matched.
func (g *Registry) HasOffer(id string) bool {
	_, ok := g.offers.Load(id)
	return ok
}

// Reindex runs one maintenance pass over both indices.
func (g *Registry) Reindex() {
	for name, t := range map[string]*quadtree.Tree[*MatchableRequest]{"pickups": g.pickups, "dropoffs": g.dropoffs} {
		st := t.Reindex()
		observability.ReindexOps.WithLabelValues(name, "subdivide").Add(float64(st.Subdivided))
		observability.ReindexOps.WithLabelValues(name, "join").Add(float64(st.Joined))
	}
}

// Run reindexes both indices every ReindexInterval until ctx is done.
func (g *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.ReindexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Reindex()
		}
	}
}
