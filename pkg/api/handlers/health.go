// Package handlers provides the admin HTTP handlers of a graphkeep node.
package handlers

import (
	"net/http"

	"github.com/graphkeep/graphkeep/pkg/api/response"
)

// Availability reports whether the node may serve transactions.
type Availability interface {
	IsAvailable() bool
	Requirements() []string
}

// HealthHandler serves the liveness and readiness checks.
type HealthHandler struct {
	node  string
	guard Availability
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(node string, guard Availability) *HealthHandler {
	return &HealthHandler{node: node, guard: guard}
}

// Health is the liveness check. A node that is switching roles is alive.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"node":   h.node,
	})
}

// Ready is the readiness check. It fails while any availability
// requirement is raised and lists them.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.guard.IsAvailable() {
		response.JSON(w, http.StatusOK, map[string]interface{}{
			"ready": true,
		})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"ready":        false,
		"requirements": h.guard.Requirements(),
	})
}
