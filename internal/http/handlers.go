package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaymesh/hub/internal/logging"
)

// Readiness exposes hub state required for readiness checks.
type Readiness interface {
	Ready() (bool, string)
	Uptime() time.Duration
}

// StatsFunc returns the hub's current stats snapshot.
type StatsFunc func() any

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Readiness  Readiness
	Stats      StatsFunc
	Registry   *prometheus.Registry
	TimeSource func() time.Time
}

// HandlerSet bundles the hub's operational HTTP handlers.
type HandlerSet struct {
	logger    *logging.Logger
	readiness Readiness
	stats     StatsFunc
	registry  *prometheus.Registry
	now       func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:    logger,
		readiness: opts.Readiness,
		stats:     opts.Stats,
		registry:  opts.Registry,
		now:       now,
	}
}

// Register attaches every handler to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/api/stats", h.StatsHandler())
	if h.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports hub readiness and uptime.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if ready, message := h.readiness.Ready(); !ready {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = message
				logging.LoggerFromContext(r.Context()).Warn("readiness check failed", logging.String("reason", message))
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler reports the hub's current stats snapshot as JSON.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(logging.String("handler", "stats"))
		if traceID := logging.TraceIDFromContext(r.Context()); traceID != "" {
			logger = logger.With(logging.String(logging.TraceIDField, traceID))
		}
		if h.stats == nil {
			writeJSON(w, http.StatusOK, struct{}{})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.stats()); err != nil {
			logger.Error("encode stats response failed", logging.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
