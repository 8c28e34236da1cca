package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rideshare/internal/core"
	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/logging"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/routing"
)

func newTestServer(t *testing.T) (*Server, *dispatch.WSRegistry) {
	t.Helper()
	ws := dispatch.NewWSRegistry(logging.Discard())
	svc, err := core.New(core.DefaultConfig(), core.Deps{
		Router:   routing.StraightLine{SpeedMps: 10},
		Notifier: ws,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	t.Cleanup(svc.Close)
	return NewServer(svc, ws, logging.Discard()), ws
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitAndCancelRequest(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s, "POST", "/api/v1/requests", "rider", tripBody{Origin: geo.NewPoint(1, 1), Destination: geo.NewPoint(1, 1.1)})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
	var created idResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil || created.ID == "" {
		t.Fatalf("decode: %v %+v", err, created)
	}

	rr = do(t, s, "GET", "/api/v1/requests/pending-locations?south=0&west=0&north=2&east=2", "", nil)
	var pts []geo.Point
	if err := json.NewDecoder(rr.Body).Decode(&pts); err != nil || len(pts) != 1 {
		t.Fatalf("pending locations = %v err = %v", pts, err)
	}

	if rr := do(t, s, "POST", "/api/v1/requests/"+created.ID+"/cancel", "rider", nil); rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rr.Code)
	}
	if rr := do(t, s, "POST", "/api/v1/requests/"+created.ID+"/cancel", "rider", nil); rr.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d", rr.Code)
	}

	rr = do(t, s, "GET", "/api/v1/requests/"+created.ID, "rider", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status read = %d", rr.Code)
	}
	var st models.RideRelatedRequestStatus
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil || st.ID != created.ID {
		t.Fatalf("status = %+v err = %v", st, err)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	s, _ := newTestServer(t)
	cases := []struct {
		name, method, path, user string
		body                     any
		want                     int
	}{
		{"missing user", "POST", "/api/v1/requests", "", tripBody{}, http.StatusUnauthorized},
		{"bad coordinate", "POST", "/api/v1/requests", "u", tripBody{Origin: geo.Point{Lat: 95}}, http.StatusBadRequest},
		{"no seats", "POST", "/api/v1/offers", "u", offerBody{Seats: 0}, http.StatusBadRequest},
		{"unknown pending ride", "GET", "/api/v1/pending-rides/nope", "", nil, http.StatusNotFound},
		{"unknown active ride", "GET", "/api/v1/active-rides/nope", "", nil, http.StatusNotFound},
		{"confirm unknown", "POST", "/api/v1/pending-rides/nope/confirm", "u", nil, http.StatusConflict},
		{"bad action", "POST", "/api/v1/active-rides/x/explode", "u", nil, http.StatusNotFound},
		{"bad rect", "GET", "/api/v1/users/nearby?south=1", "", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := do(t, s, tc.method, tc.path, tc.user, tc.body); rr.Code != tc.want {
				t.Fatalf("status = %d want %d body = %s", rr.Code, tc.want, rr.Body)
			}
		})
	}
}

func TestLocationAndNearby(t *testing.T) {
	s, _ := newTestServer(t)
	if rr := do(t, s, "POST", "/api/v1/locations", "a", geo.NewPoint(10, 10)); rr.Code != http.StatusNoContent {
		t.Fatalf("location status = %d body = %s", rr.Code, rr.Body)
	}
	rr := do(t, s, "GET", "/api/v1/users/nearby?south=9&west=9&north=11&east=11", "", nil)
	var pts []geo.Point
	if err := json.NewDecoder(rr.Body).Decode(&pts); err != nil || len(pts) != 1 {
		t.Fatalf("nearby = %v err = %v", pts, err)
	}
	if rr := do(t, s, "DELETE", "/api/v1/locations", "a", nil); rr.Code != http.StatusOK {
		t.Fatalf("forget status = %d", rr.Code)
	}
	rr = do(t, s, "GET", "/healthz", "", nil)
	var stats core.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil || stats.UsersOnline != 0 {
		t.Fatalf("stats = %+v err = %v", stats, err)
	}
}

func TestWebSocketReceivesMatch(t *testing.T) {
	s, ws := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/driver"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for ws.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	offer := offerBody{MaxTimeOutOfWaySeconds: 600, Seats: 2}
	offer.Origin, offer.Destination = geo.NewPoint(0, 0), geo.NewPoint(0, 0.03)
	rr := do(t, s, "POST", "/api/v1/offers", "driver", offer)
	if rr.Code != http.StatusCreated {
		t.Fatalf("offer status = %d body = %s", rr.Code, rr.Body)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n dispatch.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n.Type != dispatch.TypeMatched || n.PendingRideID == "" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestMiddlewareRecoversAndTagsRequests(t *testing.T) {
	s, _ := newTestServer(t)
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	req := httptest.NewRequest("GET", "/boom", nil)
	req.Header.Set(requestIDHeader, "call-1")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get(requestIDHeader); got != "call-1" {
		t.Fatalf("request id = %q", got)
	}
}
