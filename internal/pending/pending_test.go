package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/matcher"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/requests"
	"github.com/example/rideshare/internal/storage"
)

type fakeActivator struct {
	mu    sync.Mutex
	calls [][]*requests.Request
	err   error
}

func (f *fakeActivator) Activate(_ context.Context, _ *requests.Request, riders []*requests.Request, _ models.RideInfo) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, riders)
	return "active-1", nil
}

func (f *fakeActivator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRoutes struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRoutes) MakeBestRide(_ context.Context, offer *requests.Request, riders []*requests.Request) models.RideInfo {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return models.RideInfo{Stops: make([]models.Stop, 2+2*len(riders))}
}

type fakeResubmitter struct {
	mu  sync.Mutex
	got []*requests.Request
}

func (f *fakeResubmitter) Resubmit(r *requests.Request) bool {
	r.Unmatch()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, r)
	return true
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]dispatch.Type
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, x dispatch.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[string][]dispatch.Type{}
	}
	n.sent[userID] = append(n.sent[userID], x.Type)
	return nil
}

func (n *recordingNotifier) has(userID string, t dispatch.Type) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.sent[userID] {
		if x == t {
			return true
		}
	}
	return false
}

type env struct {
	m     *Manager
	act   *fakeActivator
	rt    *fakeRoutes
	resub *fakeResubmitter
	store *storage.MemoryStore
	notes *recordingNotifier
}

func newEnv(cfg Config) *env {
	e := &env{act: &fakeActivator{}, rt: &fakeRoutes{}, resub: &fakeResubmitter{}, store: storage.NewMemoryStore(), notes: &recordingNotifier{}}
	e.m = NewManager(cfg, Deps{Routes: e.rt, Activator: e.act, Resubmit: e.resub, Store: e.store, Notifier: e.notes})
	return e
}

func driverOffer() *requests.Request {
	return requests.NewOffer("driver", geo.NewPoint(0, 0), geo.NewPoint(0, 1), time.Minute, 3)
}

func rider(user string) *requests.Request {
	return requests.NewRequest(user, geo.NewPoint(0, 0.2), geo.NewPoint(0, 0.8))
}

func (e *env) create(riders ...*requests.Request) (*Ride, *requests.Request) {
	d := driverOffer()
	return e.m.Create(d, matcher.Match{Riders: riders, Ride: models.RideInfo{Stops: make([]models.Stop, 2+2*len(riders))}}), d
}

func waitTerminal(t *testing.T, r *Ride) models.PendingRideState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := r.State(); s.Terminal() {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("ride %s never reached a terminal state", r.ID)
	return ""
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSoloRideConfirmsOnDriverConfirm(t *testing.T) {
	e := newEnv(DefaultConfig())
	r, _ := e.create()
	if !r.DriverConfirm() {
		t.Fatal("driver confirm failed")
	}
	if r.State() != models.PendingConfirmed {
		t.Fatalf("state %s", r.State())
	}
	if e.act.count() != 1 {
		t.Fatalf("expected one activation, got %d", e.act.count())
	}
	if r.DriverConfirm() {
		t.Fatal("second driver confirm must fail")
	}
	if _, ok := e.m.Get(r.ID); ok {
		t.Fatal("terminal ride should leave the manager")
	}
	if r.Status().ActiveRideID != "active-1" {
		t.Fatal("active ride id not recorded")
	}
}

func TestSoloRideDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowSoloRides = false
	e := newEnv(cfg)
	r, _ := e.create()
	if r.DriverConfirm() {
		t.Fatal("solo confirm should be refused")
	}
	if r.State() != models.PendingCanceled || e.act.count() != 0 {
		t.Fatalf("expected canceled without activation, state %s", r.State())
	}
}

func TestSingleRiderHandshake(t *testing.T) {
	e := newEnv(DefaultConfig())
	a := rider("a")
	r, d := e.create(a)
	if a.PendingRideID() != r.ID || d.PendingRideID() != r.ID {
		t.Fatal("participants not attached")
	}
	if r.RiderConfirm("a") {
		t.Fatal("rider confirm before driver confirm must fail")
	}
	if !e.m.Confirm(r.ID, "driver") {
		t.Fatal("driver confirm failed")
	}
	if r.State() != models.PendingWaitingOnRiders {
		t.Fatalf("state %s", r.State())
	}
	if !e.notes.has("a", dispatch.TypeDriverConfirmed) {
		t.Fatal("rider not told about driver confirmation")
	}
	if r.DriverConfirm() {
		t.Fatal("second driver confirm must fail")
	}
	if e.m.Confirm(r.ID, "stranger") {
		t.Fatal("non-participant confirm must fail")
	}
	if !e.m.Confirm(r.ID, "a") {
		t.Fatal("rider confirm failed")
	}
	if r.State() != models.PendingConfirmed {
		t.Fatalf("state %s", r.State())
	}
	if len(e.act.calls) != 1 || len(e.act.calls[0]) != 1 || e.act.calls[0][0] != a {
		t.Fatalf("unexpected activation %v", e.act.calls)
	}
	if e.rt.calls != 0 {
		t.Fatal("route should not be rebuilt for an unchanged rider set")
	}
	if !e.notes.has("a", dispatch.TypeRideConfirmed) || !e.notes.has("driver", dispatch.TypeRideConfirmed) {
		t.Fatal("participants not told about confirmation")
	}
	var st models.PendingRideStatus
	if err := storage.GetJSON(context.Background(), e.store, models.PendingRideKey(r.ID), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != models.PendingConfirmed || st.ActiveRideID != "active-1" || st.Version < 2 {
		t.Fatalf("unexpected snapshot %+v", st)
	}
}

func TestRiderConfirmIsIdempotentAndBlocksCancel(t *testing.T) {
	e := newEnv(DefaultConfig())
	a, b := rider("a"), rider("b")
	r, _ := e.create(a, b)
	r.DriverConfirm()
	if !r.RiderConfirm("a") || !r.RiderConfirm("a") {
		t.Fatal("confirming twice should succeed")
	}
	if a.Cancel() {
		t.Fatal("a confirmed rider cannot cancel")
	}
	if r.State() != models.PendingWaitingOnRiders {
		t.Fatalf("state %s", r.State())
	}
	if got := r.Riders(); len(got) != 2 {
		t.Fatalf("riders %v", got)
	}
}

func TestDriverCancelResubmitsRiders(t *testing.T) {
	e := newEnv(DefaultConfig())
	a := rider("a")
	r, d := e.create(a)
	if !d.Cancel() {
		t.Fatal("driver cancel failed")
	}
	if r.State() != models.PendingCanceled {
		t.Fatalf("state %s", r.State())
	}
	if len(e.resub.got) != 1 || e.resub.got[0] != a {
		t.Fatal("rider not resubmitted")
	}
	if a.PendingRideID() != "" {
		t.Fatal("resubmitted rider still attached")
	}
	if !e.notes.has("a", dispatch.TypeRideCanceled) {
		t.Fatal("rider not notified")
	}
}

func TestDriverCancelAfterConfirmHasNoEffect(t *testing.T) {
	e := newEnv(DefaultConfig())
	r, d := e.create(rider("a"))
	r.DriverConfirm()
	if d.Cancel() {
		t.Fatal("confirmed offer should not cancel")
	}
	if r.State() != models.PendingWaitingOnRiders {
		t.Fatalf("state %s", r.State())
	}
}

func TestAllRidersCancelBeforeDriverConfirm(t *testing.T) {
	e := newEnv(DefaultConfig())
	a, b := rider("a"), rider("b")
	r, d := e.create(a, b)
	a.Cancel()
	if r.State() != models.PendingWaitingOnDriver {
		t.Fatalf("state %s after one cancel", r.State())
	}
	b.Cancel()
	if r.State() != models.PendingCanceled {
		t.Fatalf("state %s", r.State())
	}
	if r.DriverConfirm() {
		t.Fatal("driver confirm on a canceled ride must fail")
	}
	if e.act.count() != 0 {
		t.Fatal("empty ride must not be activated")
	}
	if !d.IsCanceled() {
		t.Fatal("offer of a canceled ride must be withdrawn")
	}
}

func TestRiderCancelTriggersFinalizeWithNewRoute(t *testing.T) {
	e := newEnv(DefaultConfig())
	a, b := rider("a"), rider("b")
	r, _ := e.create(a, b)
	r.DriverConfirm()
	r.RiderConfirm("a")
	b.Cancel()
	if r.State() != models.PendingConfirmed {
		t.Fatalf("state %s", r.State())
	}
	if e.rt.calls != 1 {
		t.Fatalf("expected route rebuild, got %d", e.rt.calls)
	}
	if len(e.act.calls[0]) != 1 || e.act.calls[0][0] != a {
		t.Fatal("only the confirmed rider should ride")
	}
}

func TestDriverExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DriverTimeout = 20 * time.Millisecond
	e := newEnv(cfg)
	a := rider("a")
	r, d := e.create(a)
	if s := waitTerminal(t, r); s != models.PendingCanceled {
		t.Fatalf("state %s", s)
	}
	eventually(t, func() bool {
		e.resub.mu.Lock()
		defer e.resub.mu.Unlock()
		return len(e.resub.got) == 1
	}, "rider should be resubmitted after driver expiry")
	if !d.Status().IsExpired {
		t.Fatal("driver offer should be expired")
	}
}

func TestRiderExpiryWithPartialConfirm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiderTimeout = 20 * time.Millisecond
	e := newEnv(cfg)
	a, b := rider("a"), rider("b")
	r, _ := e.create(a, b)
	r.DriverConfirm()
	r.RiderConfirm("a")
	if s := waitTerminal(t, r); s != models.PendingConfirmed {
		t.Fatalf("state %s", s)
	}
	if !b.Status().IsExpired {
		t.Fatal("unconfirmed rider should be expired")
	}
	if e.act.count() != 1 {
		t.Fatal("expected one activation")
	}
}

func TestRiderExpiryWithNoConfirm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiderTimeout = 20 * time.Millisecond
	e := newEnv(cfg)
	r, d := e.create(rider("a"))
	r.DriverConfirm()
	if s := waitTerminal(t, r); s != models.PendingCanceled {
		t.Fatalf("state %s", s)
	}
	if e.act.count() != 0 {
		t.Fatal("no activation expected")
	}
	// The driver confirmed, so only withdrawal can end the offer.
	eventually(t, d.IsCanceled, "confirmed offer was left behind")
	if d.Cancel() {
		t.Fatal("withdrawn offer canceled twice")
	}
	if d.Status().IsExpired {
		t.Fatal("the driver did not expire")
	}
}

func TestActivationFailureCancels(t *testing.T) {
	e := newEnv(DefaultConfig())
	e.act.err = errors.New("store down")
	a := rider("a")
	r, d := e.create(a)
	r.DriverConfirm()
	r.RiderConfirm("a")
	if r.State() != models.PendingCanceled {
		t.Fatalf("state %s", r.State())
	}
	if !a.IsCanceled() || !d.IsCanceled() {
		t.Fatal("confirmed participants of a failed ride must be withdrawn")
	}
	if !e.notes.has("a", dispatch.TypeRideCanceled) || !e.notes.has("driver", dispatch.TypeRideCanceled) {
		t.Fatal("participants not told about the cancellation")
	}
}

// The rider timer and the last confirmation race; exactly one outcome wins.
func TestNoDoubleFinalization(t *testing.T) {
	for i := 0; i < 100; i++ {
		cfg := DefaultConfig()
		cfg.RiderTimeout = time.Millisecond
		e := newEnv(cfg)
		r, _ := e.create(rider("a"))
		r.DriverConfirm()
		time.Sleep(time.Duration(i%3) * 500 * time.Microsecond)
		confirmed := r.RiderConfirm("a")
		s := waitTerminal(t, r)
		// Let a losing timer callback run to completion.
		time.Sleep(2 * time.Millisecond)
		n := e.act.count()
		switch s {
		case models.PendingConfirmed:
			if n != 1 || !confirmed {
				t.Fatalf("iteration %d: confirmed with %d activations, confirm=%v", i, n, confirmed)
			}
		case models.PendingCanceled:
			if n != 0 {
				t.Fatalf("iteration %d: canceled but activated", i)
			}
		}
		if r.State() != s {
			t.Fatalf("iteration %d: terminal state changed", i)
		}
	}
}
