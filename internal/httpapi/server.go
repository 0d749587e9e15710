// Package httpapi serves the calendar bridge API: OAuth consent plumbing
// plus availability, scheduling, and event listing against Google Calendar.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calvoice/calvoice/internal/calendar"
	"github.com/calvoice/calvoice/internal/config"
	"github.com/calvoice/calvoice/internal/gauth"
	"github.com/calvoice/calvoice/internal/observability"
	"github.com/calvoice/calvoice/internal/tokenstore"
)

// CalendarAPI is the upstream calendar surface the handlers call.
type CalendarAPI interface {
	FreeBusy(ctx context.Context, timeMin, timeMax string) ([]calendar.BusyInterval, error)
	InsertEvent(ctx context.Context, req calendar.ScheduleRequest) (calendar.Event, error)
	ListEvents(ctx context.Context, timeMin, timeMax string) ([]calendar.Event, error)
}

type Server struct {
	cfg     config.BridgeConfig
	flow    *gauth.Flow
	store   tokenstore.Store
	cal     CalendarAPI
	metrics *observability.Metrics

	mu      sync.Mutex
	pending map[string]pendingAuth
}

// pendingAuth is one in-flight consent round trip, keyed by OAuth state.
type pendingAuth struct {
	verifier string
	expires  time.Time
}

const pendingAuthTTL = 10 * time.Minute

func New(cfg config.BridgeConfig, flow *gauth.Flow, store tokenstore.Store, cal CalendarAPI, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		flow:    flow,
		store:   store,
		cal:     cal,
		metrics: metrics,
		pending: make(map[string]pendingAuth),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/api/auth/status", s.handleAuthStatus)
	r.Get("/api/auth/url", s.handleAuthURL)
	r.Get("/oauth2callback", s.handleOAuthCallback)
	r.Post("/api/auth/logout", s.handleLogout)

	r.Get("/api/availability", s.handleAvailability)
	r.Post("/api/schedule", s.handleSchedule)
	r.Get("/api/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	_, connected, err := s.store.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"connected": connected,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
