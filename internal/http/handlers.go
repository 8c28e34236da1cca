// Package httpapi is the thin HTTP surface over the ride-sharing service.
// Callers identify themselves with the X-User-ID header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rideshare/internal/core"
	"github.com/example/rideshare/internal/dispatch"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
)

const userHeader = "X-User-ID"

// Service is the part of core.Service the handlers call.
type Service interface {
	SubmitRequest(ctx context.Context, userID string, origin, destination geo.Point) (string, error)
	SubmitOffer(ctx context.Context, userID string, origin, destination geo.Point, maxTimeOutOfWay time.Duration, seats int) (string, error)
	Cancel(requestID, userID string) bool
	ConfirmPendingRide(pendingRideID, userID string) bool
	MarkInRide(activeRideID, userID string) bool
	MarkFinished(activeRideID, userID string) bool
	MarkCanceled(activeRideID, userID string) bool
	ReportLocation(ctx context.Context, userID string, p geo.Point) error
	ForgetUser(ctx context.Context, userID string) bool
	NearbyUsers(r geo.Rect) []geo.Point
	PendingRequestLocations(r geo.Rect) []geo.Point
	RequestStatus(ctx context.Context, userID, requestID string) (models.RideRelatedRequestStatus, error)
	PendingRideStatus(ctx context.Context, id string) (models.PendingRideStatus, error)
	ActiveRideStatus(ctx context.Context, id string) (models.ActiveRideStatus, error)
	Stats() core.Stats
}

type Server struct {
	svc    Service
	ws     *dispatch.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc Service, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, ws: ws, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleSubmitRequest).Methods("POST")
	api.HandleFunc("/requests/pending-locations", s.handlePendingLocations).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleRequestStatus).Methods("GET")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/offers", s.handleSubmitOffer).Methods("POST")
	api.HandleFunc("/offers/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/pending-rides/{id}", s.handlePendingStatus).Methods("GET")
	api.HandleFunc("/pending-rides/{id}/confirm", s.handleConfirm).Methods("POST")
	api.HandleFunc("/active-rides/{id}", s.handleActiveStatus).Methods("GET")
	api.HandleFunc("/active-rides/{id}/{action:in-ride|finished|canceled}", s.handleActiveAction).Methods("POST")
	api.HandleFunc("/locations", s.handleLocation).Methods("POST")
	api.HandleFunc("/locations", s.handleForgetLocation).Methods("DELETE")
	api.HandleFunc("/users/nearby", s.handleNearbyUsers).Methods("GET")

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type tripBody struct {
	Origin      geo.Point `json:"origin"`
	Destination geo.Point `json:"destination"`
}

type offerBody struct {
	tripBody
	MaxTimeOutOfWaySeconds float64 `json:"max_time_out_of_way_seconds"`
	Seats                  int     `json:"seats"`
}

type idResponse struct {
	ID string `json:"id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes. Unexpected errors are
// logged against the call and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.logFor(r).Error("request failed", "route", routeTemplate(r), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeOK(w http.ResponseWriter, ok bool) {
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, okResponse{OK: ok})
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		http.Error(w, "missing "+userHeader, http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var body tripBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.svc.SubmitRequest(r.Context(), uid, body.Origin, body.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var body offerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	maxOut := time.Duration(body.MaxTimeOutOfWaySeconds * float64(time.Second))
	id, err := s.svc.SubmitOffer(r.Context(), uid, body.Origin, body.Destination, maxOut, body.Seats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	writeOK(w, s.svc.Cancel(mux.Vars(r)["id"], uid))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	writeOK(w, s.svc.ConfirmPendingRide(mux.Vars(r)["id"], uid))
}

func (s *Server) handleActiveAction(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	var done bool
	switch vars["action"] {
	case "in-ride":
		done = s.svc.MarkInRide(vars["id"], uid)
	case "finished":
		done = s.svc.MarkFinished(vars["id"], uid)
	case "canceled":
		done = s.svc.MarkCanceled(vars["id"], uid)
	}
	writeOK(w, done)
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	st, err := s.svc.RequestStatus(r.Context(), uid, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePendingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.PendingRideStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActiveStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ActiveRideStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var p geo.Point
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.ReportLocation(r.Context(), uid, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForgetLocation(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	writeOK(w, s.svc.ForgetUser(r.Context(), uid))
}

// rectFromQuery reads south, west, north and east query parameters.
func rectFromQuery(r *http.Request) (geo.Rect, error) {
	q := r.URL.Query()
	var vals [4]float64
	for i, name := range [...]string{"south", "west", "north", "east"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			return geo.Rect{}, errors.New("bad or missing " + name)
		}
		vals[i] = v
	}
	rect := geo.RectFromCorners(vals[0], vals[1], vals[2], vals[3])
	if !rect.Valid() {
		return geo.Rect{}, errors.New("invalid rectangle")
	}
	return rect, nil
}

func (s *Server) handleNearbyUsers(w http.ResponseWriter, r *http.Request) {
	rect, err := rectFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.NearbyUsers(rect))
}

func (s *Server) handlePendingLocations(w http.ResponseWriter, r *http.Request) {
	rect, err := rectFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.PendingRequestLocations(rect))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the user's notification session open until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logFor(r).Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	sess := s.ws.Add(id, conn)
	defer func() {
		s.ws.Remove(id, sess)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
