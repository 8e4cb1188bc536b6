package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"energy-telemetry-engine/models"
	"energy-telemetry-engine/optimizer"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleOptimize creates a plan. An empty body uses the configured
// constraints.
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	constraints := h.svc.Constraints()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&constraints); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	plan, err := h.svc.Planner.Optimize(r.Context(), constraints)
	if err != nil {
		h.logger.Error("Optimization failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "optimization failed")
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (h *Handler) HandlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Planner.Plans())
}

func (h *Handler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.svc.Plan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	plan, err := h.svc.Planner.Execute(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, optimizer.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, optimizer.ErrPlanNotPending):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if plan.Status == models.PlanFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, plan)
}
