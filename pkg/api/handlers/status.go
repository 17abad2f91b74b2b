package handlers

import (
	"context"
	"net/http"

	"github.com/graphkeep/graphkeep/pkg/api/middleware"
	"github.com/graphkeep/graphkeep/pkg/api/response"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/modeswitch"
)

// Roles reports the role of every switchable subsystem.
type Roles interface {
	Role() ha.Role
	Roles() map[string]ha.Role
}

// Driver is the mode switch driver of the node.
type Driver interface {
	Status() modeswitch.Status
	Reconcile(ctx context.Context) error
}

// LeaderSource reports the master a slave node follows.
type LeaderSource interface {
	Leader() (string, bool)
}

// NodeStatus is the body of GET /status.
type NodeStatus struct {
	Node         string            `json:"node"`
	Role         string            `json:"role"`
	Subsystems   map[string]string `json:"subsystems"`
	Available    bool              `json:"available"`
	Requirements []string          `json:"requirements,omitempty"`
	Leader       bool              `json:"leader"`
	Following    string            `json:"following,omitempty"`
	MasterEpoch  uint64            `json:"master_epoch,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// StatusHandler reports and drives the role of the node.
type StatusHandler struct {
	node    string
	roles   Roles
	driver  Driver
	guard   Availability
	leader  LeaderSource
	masters MasterSource
}

// NewStatusHandler creates a new status handler. leader and masters may be nil.
func NewStatusHandler(node string, roles Roles, driver Driver, guard Availability, leader LeaderSource, masters MasterSource) *StatusHandler {
	return &StatusHandler{
		node:    node,
		roles:   roles,
		driver:  driver,
		guard:   guard,
		leader:  leader,
		masters: masters,
	}
}

// Status handles GET /status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.snapshot())
}

// Reconcile handles POST /api/v1/roles/reconcile: it re-evaluates the
// leadership state immediately instead of waiting for the next event.
func (h *StatusHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.driver.Reconcile(r.Context()); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, h.snapshot())
}

func (h *StatusHandler) snapshot() NodeStatus {
	ds := h.driver.Status()
	st := NodeStatus{
		Node:         h.node,
		Role:         h.roles.Role().String(),
		Subsystems:   make(map[string]string),
		Available:    h.guard.IsAvailable(),
		Requirements: h.guard.Requirements(),
		Leader:       ds.Leader,
		Following:    ds.Following,
		LastError:    ds.LastError,
	}
	for name, role := range h.roles.Roles() {
		st.Subsystems[name] = role.String()
	}
	if h.leader != nil {
		if id, ok := h.leader.Leader(); ok {
			st.Following = id
		}
	}
	if h.masters != nil {
		if srv, ok := h.masters.Current(); ok {
			st.MasterEpoch = srv.Epoch()
		}
	}
	return st
}
