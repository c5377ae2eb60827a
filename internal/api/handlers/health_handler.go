package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sitesync/engine/internal/api/types"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]Check
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

// Readiness runs every check and answers 503 when any fails.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	result := map[string]string{}
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			result[name] = err.Error()
			ready = false
			continue
		}
		result[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
			Success: false,
			Data:    result,
			Error:   &types.APIError{Code: "unavailable", Message: "dependency check failed"},
		})
		return
	}
	result["status"] = "ready"
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: result})
}
