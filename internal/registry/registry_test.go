package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/matcher"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/supervisor"
)

type finderFunc func(ctx context.Context, offer *requests.Request, idx matcher.Index) (matcher.Match, error)

func (f finderFunc) FindMatch(ctx context.Context, offer *requests.Request, idx matcher.Index) (matcher.Match, error) {
	return f(ctx, offer, idx)
}

type nopReporter struct{}

func (nopReporter) Report(string, error) {}

type matched struct {
	offer *requests.Request
	m     matcher.Match
}

func newRegistry(t *testing.T, f Finder, opts Options) (*Registry, chan matched) {
	t.Helper()
	ch := make(chan matched, 64)
	g, err := New(opts, f, supervisor.New(nopReporter{}), func(o *requests.Request, m matcher.Match) {
		ch <- matched{o, m}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g, ch
}

func everything(geo.Rect) bool { return true }

func firstCandidate(_ context.Context, _ *requests.Request, idx matcher.Index) (matcher.Match, error) {
	rs := idx.PickupsNear(everything)
	if len(rs) == 0 {
		return matcher.Match{}, nil
	}
	return matcher.Match{Riders: rs[:1]}, nil
}

func newReq(user string) *requests.Request {
	return requests.NewRequest(user, geo.NewPoint(1, 1), geo.NewPoint(2, 2))
}

func newOffer() *requests.Request {
	return requests.NewOffer("driver", geo.NewPoint(0, 0), geo.NewPoint(3, 3), time.Minute, 3)
}

func TestCanceledRequestLeavesIndices(t *testing.T) {
	g, _ := newRegistry(t, finderFunc(firstCandidate), DefaultOptions())
	r := newReq("a")
	if !g.AddRequest(r) {
		t.Fatal("add failed")
	}
	if g.AddRequest(r) {
		t.Fatal("duplicate add should fail")
	}
	if len(g.PickupsNear(everything)) != 1 || len(g.DropoffsNear(everything)) != 1 {
		t.Fatal("request not indexed")
	}
	r.Cancel()
	if len(g.PickupsNear(everything)) != 0 || len(g.DropoffsNear(everything)) != 0 {
		t.Fatal("canceled request still indexed")
	}
	if _, ok := g.Request(r.ID); ok {
		t.Fatal("canceled request still registered")
	}
	if g.AddRequest(r) {
		t.Fatal("canceled request must not be re-added")
	}
}

func TestOfferMatchesAndConsumesRequest(t *testing.T) {
	g, ch := newRegistry(t, finderFunc(firstCandidate), DefaultOptions())
	r := newReq("a")
	g.AddRequest(r)
	o := newOffer()
	task, ok := g.AddOffer(context.Background(), o)
	if !ok {
		t.Fatal("add offer failed")
	}
	if err := task.Wait(); err != nil {
		t.Fatal(err)
	}
	got := <-ch
	if got.offer != o || len(got.m.Riders) != 1 || got.m.Riders[0] != r {
		t.Fatalf("unexpected match %+v", got)
	}
	if _, ok := g.Request(r.ID); ok {
		t.Fatal("matched request still registered")
	}
	if len(g.PickupsNear(everything)) != 0 {
		t.Fatal("matched request still indexed")
	}
	if g.HasOffer(o.ID) {
		t.Fatal("matched offer still registered")
	}
	// Canceling after the hand-off must not touch the registry.
	r.Cancel()
	if o.IsCanceled() {
		t.Fatal("offer canceled unexpectedly")
	}
}

func TestMatchingErrorCancelsOffer(t *testing.T) {
	boom := errors.New("boom")
	g, ch := newRegistry(t, finderFunc(func(context.Context, *requests.Request, matcher.Index) (matcher.Match, error) {
		return matcher.Match{}, boom
	}), DefaultOptions())
	o := newOffer()
	task, _ := g.AddOffer(context.Background(), o)
	if err := task.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !o.IsCanceled() {
		t.Fatal("offer should be canceled")
	}
	if g.HasOffer(o.ID) {
		t.Fatal("canceled offer still registered")
	}
	select {
	case m := <-ch:
		t.Fatalf("unexpected match %+v", m)
	default:
	}
}

func TestMatchingTimeoutCancelsOffer(t *testing.T) {
	opts := DefaultOptions()
	opts.MatchTimeout = 20 * time.Millisecond
	g, _ := newRegistry(t, finderFunc(func(ctx context.Context, _ *requests.Request, _ matcher.Index) (matcher.Match, error) {
		<-ctx.Done()
		return matcher.Match{}, ctx.Err()
	}), opts)
	o := newOffer()
	task, _ := g.AddOffer(context.Background(), o)
	if err := task.Wait(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if !o.IsCanceled() {
		t.Fatal("offer should be canceled after timeout")
	}
}

func TestCommitRetriesWhenRiderCanceled(t *testing.T) {
	var calls atomic.Int32
	r := newReq("a")
	g, ch := newRegistry(t, finderFunc(func(ctx context.Context, o *requests.Request, idx matcher.Index) (matcher.Match, error) {
		if calls.Add(1) == 1 {
			m, _ := firstCandidate(ctx, o, idx)
			r.Cancel()
			return m, nil
		}
		return firstCandidate(ctx, o, idx)
	}), DefaultOptions())
	g.AddRequest(r)
	o := newOffer()
	task, _ := g.AddOffer(context.Background(), o)
	if err := task.Wait(); err != nil {
		t.Fatal(err)
	}
	got := <-ch
	if !got.m.Solo() {
		t.Fatal("canceled rider must not be committed")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a retry, got %d calls", calls.Load())
	}
}

func TestCanceledOfferIsNotCommitted(t *testing.T) {
	release := make(chan struct{})
	g, ch := newRegistry(t, finderFunc(func(ctx context.Context, o *requests.Request, idx matcher.Index) (matcher.Match, error) {
		<-release
		return firstCandidate(ctx, o, idx)
	}), DefaultOptions())
	r := newReq("a")
	g.AddRequest(r)
	o := newOffer()
	task, _ := g.AddOffer(context.Background(), o)
	o.Cancel()
	close(release)
	if err := task.Wait(); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-ch:
		t.Fatalf("unexpected match %+v", m)
	default:
	}
	if _, ok := g.Request(r.ID); !ok {
		t.Fatal("request should stay registered")
	}
}

func TestResubmit(t *testing.T) {
	g, ch := newRegistry(t, finderFunc(firstCandidate), DefaultOptions())
	r := newReq("a")
	g.AddRequest(r)
	task, _ := g.AddOffer(context.Background(), newOffer())
	task.Wait()
	<-ch
	r.AttachPendingRide("p1")
	if !g.Resubmit(r) {
		t.Fatal("resubmit failed")
	}
	if r.PendingRideID() != "" {
		t.Fatal("resubmitted request still attached")
	}
	if len(g.PickupsNear(everything)) != 1 {
		t.Fatal("resubmitted request not indexed")
	}
}

func TestPendingLocations(t *testing.T) {
	g, _ := newRegistry(t, finderFunc(firstCandidate), DefaultOptions())
	g.AddRequest(requests.NewRequest("a", geo.NewPoint(10, 10), geo.NewPoint(11, 11)))
	g.AddRequest(requests.NewRequest("b", geo.NewPoint(-40, 100), geo.NewPoint(-41, 101)))
	pts := g.PendingLocations(geo.RectFromCorners(5, 5, 15, 15))
	if len(pts) != 1 || !pts[0].Equal(geo.NewPoint(10, 10)) {
		t.Fatalf("unexpected locations %v", pts)
	}
}

// Every request ends up either matched or canceled, never both.
func TestConcurrentCancelAndMatch(t *testing.T) {
	g, ch := newRegistry(t, finderFunc(firstCandidate), DefaultOptions())
	const n = 40
	reqs := make([]*requests.Request, n)
	for i := range reqs {
		reqs[i] = newReq("rider")
		g.AddRequest(reqs[i])
	}
	canceled := make([]bool, n)
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			canceled[i] = reqs[i].Cancel()
		}(i)
	}
	tasks := make([]interface{ Wait() error }, 0, n)
	for i := 0; i < n; i++ {
		task, _ := g.AddOffer(context.Background(), newOffer())
		tasks = append(tasks, task)
	}
	wg.Wait()
	for _, task := range tasks {
		if err := task.Wait(); err != nil {
			t.Fatal(err)
		}
	}
	close(ch)
	matchedIDs := map[string]bool{}
	for m := range ch {
		for _, r := range m.m.Riders {
			if matchedIDs[r.ID] {
				t.Fatalf("request %s matched twice", r.ID)
			}
			matchedIDs[r.ID] = true
		}
	}
	for i, r := range reqs {
		if !canceled[i] {
			t.Fatalf("request %s: cancel should succeed before confirmation", r.ID)
		}
		if _, ok := g.Request(r.ID); ok {
			t.Fatalf("request %s still registered", r.ID)
		}
	}
	if len(g.PickupsNear(everything)) != 0 {
		t.Fatal("index not drained")
	}
}
