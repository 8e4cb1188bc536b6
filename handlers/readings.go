package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"energy-telemetry-engine/analytics"
	"energy-telemetry-engine/ingress"
	"energy-telemetry-engine/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleReading accepts one reading over HTTP. It goes through the same
// decoder and queue as bus traffic.
func (h *Handler) HandleReading(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	reading, err := h.svc.Ingest(body)
	switch {
	case errors.Is(err, ingress.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, analytics.ErrQueueFull), errors.Is(err, analytics.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("Ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"deviceId": reading.DeviceID,
	})
}

func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Devices())
}

func (h *Handler) HandleDeviceStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, ok := h.svc.DeviceStats(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	readings := h.svc.Store.Get(id)
	if readings == nil {
		writeError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// HandleUsage serves /usage?start=&end=&granularity=. Bounds are epoch
// milliseconds; the default is the last 24 hours by day.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	end := time.Now().UnixMilli()
	if v := q.Get("end"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be epoch milliseconds")
			return
		}
		end = n
	}
	start := end - (24 * time.Hour).Milliseconds()
	if v := q.Get("start"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be epoch milliseconds")
			return
		}
		start = n
	}
	g := models.Granularity(q.Get("granularity"))
	if g == "" {
		g = models.GranularityDay
	}

	report, err := h.svc.UsageReport(models.TimeRange{Start: start, End: end}, g)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
