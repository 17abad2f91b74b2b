package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/graphkeep/graphkeep/pkg/api/middleware"
	"github.com/graphkeep/graphkeep/pkg/api/response"
	"github.com/graphkeep/graphkeep/pkg/delegate"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/slave"
)

// ShadowSource reports the shadow locks of the slave lock manager.
type ShadowSource interface {
	Shadow() []slave.ShadowLock
}

// MasterSource reports the master server bound on this node, if any.
type MasterSource interface {
	Current() (*master.Server, bool)
}

var _ MasterSource = (*master.Endpoint)(nil)

const (
	defaultCheckTimeout = time.Second
	maxCheckTimeout     = 10 * time.Second
)

// LocksHandler exposes the lock tables of the node for inspection.
type LocksHandler struct {
	shadow  ShadowSource
	masters MasterSource
	locks   *delegate.Handler[locks.Locks]
}

// NewLocksHandler creates a new locks handler. lockManager is the delegate
// transactions lock through; Check answers 503 when it is nil.
func NewLocksHandler(shadow ShadowSource, masters MasterSource, lockManager *delegate.Handler[locks.Locks]) *LocksHandler {
	return &LocksHandler{shadow: shadow, masters: masters, locks: lockManager}
}

type checkRequest struct {
	Resource  string `json:"resource"`
	Mode      string `json:"mode"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type checkResponse struct {
	Resource string `json:"resource"`
	Mode     string `json:"mode"`
	Tx       string `json:"tx"`
	WaitedMs int64  `json:"waited_ms"`
}

// Shadow handles GET /api/v1/locks/shadow.
func (h *LocksHandler) Shadow(w http.ResponseWriter, r *http.Request) {
	shadow := h.shadow.Shadow()
	if shadow == nil {
		shadow = []slave.ShadowLock{}
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"count": len(shadow),
		"locks": shadow,
	})
}

// Master handles GET /api/v1/locks/master. Only the master holds the
// authoritative table; other nodes answer 409.
func (h *LocksHandler) Master(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.masters.Current()
	if !ok {
		response.HandleError(w, response.ErrNotMaster, middleware.GetRequestID(r.Context()))
		return
	}
	held := srv.Table().Held()
	if held == nil {
		held = []locks.Handle{}
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"epoch": srv.Epoch(),
		"count": len(held),
		"locks": held,
	})
}

// Check handles POST /api/v1/locks/check. It takes a lock the way a
// transaction does and releases it again, so on a slave the request makes
// the full round trip to the master. Both steps run against one lock
// manager; a role switch waits for them.
func (h *LocksHandler) Check(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	if h.locks == nil {
		response.HandleError(w, response.ErrServiceUnavailable, requestID)
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.HandleError(w, fmt.Errorf("%w: %v", response.ErrInvalidInput, err), requestID)
		return
	}
	resource, err := locks.ParseResource(req.Resource)
	if err != nil {
		response.HandleError(w, fmt.Errorf("%w: %v", response.ErrInvalidInput, err), requestID)
		return
	}
	mode, err := locks.ParseMode(req.Mode)
	if err != nil {
		response.HandleError(w, fmt.Errorf("%w: %v", response.ErrInvalidInput, err), requestID)
		return
	}
	timeout := defaultCheckTimeout
	if req.TimeoutMs > 0 {
		timeout = min(time.Duration(req.TimeoutMs)*time.Millisecond, maxCheckTimeout)
	}

	tx := "admin-check/" + requestID
	if requestID == "" {
		tx = "admin-check/" + uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	_, err = delegate.Invoke(h.locks, func(l locks.Locks) (locks.Handle, error) {
		handle, err := l.Acquire(ctx, tx, resource, mode)
		if err != nil {
			return handle, err
		}
		return handle, l.Release(ctx, handle)
	})
	if err != nil {
		response.HandleError(w, checkError(err), requestID)
		return
	}
	response.JSON(w, http.StatusOK, checkResponse{
		Resource: resource.String(),
		Mode:     mode.String(),
		Tx:       tx,
		WaitedMs: time.Since(start).Milliseconds(),
	})
}

func checkError(err error) error {
	switch {
	case locks.IsTimeoutError(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", response.ErrTimeout, err)
	case locks.IsDeniedError(err):
		return fmt.Errorf("%w: %v", response.ErrConflict, err)
	case errors.Is(err, delegate.ErrUnbound), errors.Is(err, locks.ErrClosed):
		return fmt.Errorf("%w: %v", response.ErrServiceUnavailable, err)
	default:
		return err
	}
}
