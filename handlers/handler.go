package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"energy-telemetry-engine/service"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func New(svc *service.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.With(zap.String("component", "http"))}
}

// Router registers every route and wraps them with recovery, compression
// and request metrics.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.HandleFunc("/health", HealthCheck).Methods(http.MethodGet)
	r.Path("/metrics").Handler(promhttp.Handler())

	r.HandleFunc("/readings", h.HandleReading).Methods(http.MethodPost)
	r.HandleFunc("/devices", h.HandleDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/stats", h.HandleDeviceStats).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/readings", h.HandleDeviceReadings).Methods(http.MethodGet)
	r.HandleFunc("/usage", h.HandleUsage).Methods(http.MethodGet)

	r.HandleFunc("/alerts", h.HandleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/ack", h.HandleAcknowledge).Methods(http.MethodPost)

	r.HandleFunc("/plans", h.HandleOptimize).Methods(http.MethodPost)
	r.HandleFunc("/plans", h.HandlePlans).Methods(http.MethodGet)
	r.HandleFunc("/plans/{id}", h.HandlePlan).Methods(http.MethodGet)
	r.HandleFunc("/plans/{id}/execute", h.HandleExecute).Methods(http.MethodPost)

	recovery := ghandlers.RecoveryHandler(
		ghandlers.RecoveryLogger(zap.NewStdLog(h.logger)),
		ghandlers.PrintRecoveryStack(true),
	)
	return recovery(ghandlers.CompressHandler(r))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		requestDurationSeconds.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
