// Package api exposes agent status, trace queries and metrics over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framepulse/power-hint-advisor/internal/feed"
	"github.com/framepulse/power-hint-advisor/internal/hints"
	"github.com/framepulse/power-hint-advisor/internal/trace"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// Server is the agent's HTTP API server.
type Server struct {
	log      logr.Logger
	advisor  hints.Advisor
	feed     feed.Server
	traces   *trace.Store
	gatherer prometheus.Gatherer
}

func NewServer(advisor hints.Advisor, logger logr.Logger) *Server {
	return &Server{log: logger, advisor: advisor}
}

// SetFeed includes feed socket counters in the status response.
func (s *Server) SetFeed(server feed.Server) { s.feed = server }

// SetTraceStore mounts the trace query endpoints.
func (s *Server) SetTraceStore(store *trace.Store) { s.traces = store }

// SetMetricsGatherer mounts the /metrics Prometheus endpoint.
func (s *Server) SetMetricsGatherer(gatherer prometheus.Gatherer) { s.gatherer = gatherer }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/trace", func(r chi.Router) {
			r.Get("/reports", s.handleTraceReports)
			r.Get("/targets", s.handleTraceTargets)
			r.Get("/states", s.handleTraceStates)
		})
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

type sessionStatus struct {
	State                   string        `json:"state"`
	QueuedSamples           int           `json:"queuedSamples"`
	ReportsSent             uint64        `json:"reportsSent"`
	SamplesFlushed          uint64        `json:"samplesFlushed"`
	SuppressedSamples       uint64        `json:"suppressedSamples"`
	StaleFlushes            uint64        `json:"staleFlushes"`
	TargetUpdatesSent       uint64        `json:"targetUpdatesSent"`
	TargetUpdatesSuppressed uint64        `json:"targetUpdatesSuppressed"`
	Restarts                uint64        `json:"restarts"`
	LastReportedActual      time.Duration `json:"lastReportedActualNs"`
	CurrentTarget           time.Duration `json:"currentTargetNs"`
	ShouldReconnect         bool          `json:"shouldReconnect"`
}

type advisorStatus struct {
	HintsEnabled            bool          `json:"hintsEnabled"`
	BootFinished            bool          `json:"bootFinished"`
	SupportChecked          bool          `json:"supportChecked"`
	SupportsPowerHints      bool          `json:"supportsPowerHints"`
	ServiceConnected        bool          `json:"serviceConnected"`
	ServiceConnects         uint64        `json:"serviceConnects"`
	ExpensiveDisplays       int           `json:"expensiveDisplays"`
	UsingExpensiveRendering bool          `json:"usingExpensiveRendering"`
	Session                 sessionStatus `json:"session"`
}

type traceStatus struct {
	DroppedRecords uint64 `json:"droppedRecords"`
}

type statusResponse struct {
	Advisor advisorStatus `json:"advisor"`
	Feed    *feed.Stats   `json:"feed,omitempty"`
	Trace   *traceStatus  `json:"trace,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.advisor.Stats()
	resp := statusResponse{
		Advisor: advisorStatus{
			HintsEnabled:            stats.HintsEnabled,
			BootFinished:            stats.BootFinished,
			SupportChecked:          stats.SupportChecked,
			SupportsPowerHints:      stats.SupportsPowerHints,
			ServiceConnected:        stats.ServiceConnected,
			ServiceConnects:         stats.ServiceConnects,
			ExpensiveDisplays:       stats.ExpensiveDisplays,
			UsingExpensiveRendering: stats.UsingExpensiveRendering,
			Session: sessionStatus{
				State:                   stats.Session.State.String(),
				QueuedSamples:           stats.Session.QueuedSamples,
				ReportsSent:             stats.Session.ReportsSent,
				SamplesFlushed:          stats.Session.SamplesFlushed,
				SuppressedSamples:       stats.Session.SuppressedSamples,
				StaleFlushes:            stats.Session.StaleFlushes,
				TargetUpdatesSent:       stats.Session.TargetUpdatesSent,
				TargetUpdatesSuppressed: stats.Session.TargetUpdatesSuppressed,
				Restarts:                stats.Session.Restarts,
				LastReportedActual:      stats.Session.LastReportedActual,
				CurrentTarget:           stats.Session.CurrentTarget,
				ShouldReconnect:         stats.Session.ShouldReconnect,
			},
		},
	}
	if s.feed != nil {
		feedStats := s.feed.Stats()
		resp.Feed = &feedStats
	}
	if s.traces != nil {
		resp.Trace = &traceStatus{DroppedRecords: s.traces.Dropped()}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTraceReports(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusNotFound, "tracing is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.traces.RecentReports(limit)
	if err != nil {
		s.log.Error(err, "querying trace reports failed")
		writeError(w, http.StatusInternalServerError, "trace query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTraceTargets(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusNotFound, "tracing is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.traces.RecentTargets(limit)
	if err != nil {
		s.log.Error(err, "querying trace targets failed")
		writeError(w, http.StatusInternalServerError, "trace query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTraceStates(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusNotFound, "tracing is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.traces.RecentStateChanges(limit)
	if err != nil {
		s.log.Error(err, "querying trace state changes failed")
		writeError(w, http.StatusInternalServerError, "trace query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// parseLimit reads the limit query parameter, writing a 400 response on bad
// input. The second return value reports whether the request may proceed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return limit, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
		},
	})
}
