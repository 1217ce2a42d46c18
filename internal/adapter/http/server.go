package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/monitor"
	"github.com/mathisontech/beacon/internal/poller"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 16

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// AlertService is the read and control surface of *monitor.Monitor.
type AlertService interface {
	ReadinessChecker
	Snapshot() monitor.Snapshot
	AlertsByThreat(level domain.ThreatLevel) []domain.Alert
	MostUrgentAlert() (domain.Alert, bool)
	HasCriticalAlerts() bool
	HasEvacuationRecommendation() bool
	PollingStatus() poller.Status
	StartMonitoring(loc domain.Location) error
	RefreshAlerts() error
}

// VisibilityController lowers polling priority while clients are not watching.
type VisibilityController interface {
	SetBackgrounded(hidden bool)
}

// Server exposes health, readiness, metrics and the alert API.
type Server struct {
	httpServer *http.Server
	alerts     AlertService
	visibility VisibilityController
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and /api routes.
func NewServer(addr string, alerts AlertService, visibility VisibilityController, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// a manual refresh runs a full poll cycle, retries included
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		alerts:     alerts,
		visibility: visibility,
		logger:     logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(alerts))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/alerts/urgent", s.handleUrgent)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("PUT /api/location", s.handleLocation)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/visibility", s.handleVisibility)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type alertsResponse struct {
	Alerts                []domain.Alert `json:"alerts"`
	Count                 int            `json:"count"`
	HasCritical           bool           `json:"hasCritical"`
	EvacuationRecommended bool           `json:"evacuationRecommended"`
	Error                 string         `json:"error,omitempty"`
	LastUpdated           time.Time      `json:"lastUpdated,omitzero"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	snap := s.alerts.Snapshot()
	alerts := snap.Alerts
	if threat := r.URL.Query().Get("threat"); threat != "" {
		level, ok := parseThreatLevel(threat)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown threat level: "+threat)
			return
		}
		alerts = s.alerts.AlertsByThreat(level)
	}

	writeJSON(w, http.StatusOK, alertsResponse{
		Alerts:                alerts,
		Count:                 len(alerts),
		HasCritical:           s.alerts.HasCriticalAlerts(),
		EvacuationRecommended: s.alerts.HasEvacuationRecommendation(),
		Error:                 snap.Error,
		LastUpdated:           snap.LastUpdated,
	})
}

func parseThreatLevel(s string) (domain.ThreatLevel, bool) {
	switch l := domain.ThreatLevel(s); l {
	case domain.LevelCritical, domain.LevelSevere, domain.LevelModerate, domain.LevelMinor:
		return l, true
	}
	return "", false
}

func (s *Server) handleUrgent(w http.ResponseWriter, _ *http.Request) {
	a, ok := s.alerts.MostUrgentAlert()
	if !ok {
		writeError(w, http.StatusNotFound, "no active alerts")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusResponse struct {
	monitor.Snapshot
	Polling poller.Status `json:"polling"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot: s.alerts.Snapshot(),
		Polling:  s.alerts.PollingStatus(),
	})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc domain.Location
	if err := decodeBody(r, &loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.alerts.StartMonitoring(loc); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidLocation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("monitored location changed", "location", loc.Key())
	writeJSON(w, http.StatusAccepted, map[string]any{"location": loc})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.alerts.Snapshot().Location == nil {
		writeError(w, http.StatusConflict, "no location is being monitored")
		return
	}
	if err := s.alerts.RefreshAlerts(); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.alerts.Snapshot())
}

type visibilityRequest struct {
	Hidden *bool `json:"hidden"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Hidden == nil {
		writeError(w, http.StatusBadRequest, `"hidden" is required`)
		return
	}
	s.visibility.SetBackgrounded(*req.Hidden)
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
