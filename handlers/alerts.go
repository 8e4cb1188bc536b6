package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// HandleAlerts lists alerts; ?active=true limits the list to unacknowledged
// alerts from the last hour.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, h.svc.Alerts.Active())
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Alerts.All())
}

// HandleAcknowledge always answers 200; unknown ids report false.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found := h.svc.Alerts.Acknowledge(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"alertId":      id,
		"acknowledged": found,
	})
}
