package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphkeep/graphkeep/pkg/ha"
)

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		data       interface{}
		wantBody   string
	}{
		{"ok with data", http.StatusOK, map[string]string{"role": "master"}, `{"role":"master"}`},
		{"unavailable with data", http.StatusServiceUnavailable, map[string]bool{"ready": false}, `{"ready":false}`},
		{"no content", http.StatusNoContent, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			JSON(w, tt.statusCode, tt.data)

			assert.Equal(t, tt.statusCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if tt.wantBody == "" {
				assert.Empty(t, w.Body.String())
				return
			}
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorWithDetails(w, http.StatusConflict, ErrCodeNotMaster, "not master",
		map[string]interface{}{"role": "slave"}, "req-1")

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrCodeNotMaster, resp.Error.Code)
	assert.Equal(t, "not master", resp.Error.Message)
	assert.Equal(t, "slave", resp.Error.Details["role"])
	assert.Equal(t, "req-1", resp.Error.RequestID)
}

func TestHTTPStatusFromError(t *testing.T) {
	construction := &ha.ConstructionError{Subsystem: "locks", Role: ha.RoleSlave, Cause: errors.New("no master")}
	unavailable := &ha.UnavailableError{Operation: "acquire", Reasons: []string{"switching to slave"}}

	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"invalid input", ErrInvalidInput, http.StatusBadRequest, ErrCodeBadRequest},
		{"conflict", ErrConflict, http.StatusConflict, ErrCodeConflict},
		{"not master", fmt.Errorf("locks: %w", ErrNotMaster), http.StatusConflict, ErrCodeNotMaster},
		{"construction failure", construction, http.StatusServiceUnavailable, ErrCodeSwitchFailed},
		{"unavailable", unavailable, http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
		{"service unavailable", ErrServiceUnavailable, http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
		{"timeout", ErrTimeout, http.StatusGatewayTimeout, ErrCodeGatewayTimeout},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromError(tt.err))
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}
}

func TestErrorCodeFromStatus(t *testing.T) {
	assert.Equal(t, ErrCodeBadRequest, ErrorCodeFromStatus(http.StatusBadRequest))
	assert.Equal(t, ErrCodeNotFound, ErrorCodeFromStatus(http.StatusNotFound))
	assert.Equal(t, ErrCodeMethodNotAllowed, ErrorCodeFromStatus(http.StatusMethodNotAllowed))
	assert.Equal(t, ErrCodeConflict, ErrorCodeFromStatus(http.StatusConflict))
	assert.Equal(t, ErrCodeServiceUnavailable, ErrorCodeFromStatus(http.StatusServiceUnavailable))
	assert.Equal(t, ErrCodeGatewayTimeout, ErrorCodeFromStatus(http.StatusGatewayTimeout))
	assert.Equal(t, ErrCodeInternalServer, ErrorCodeFromStatus(http.StatusTeapot))
}

func TestHandleError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(w, &ha.ConstructionError{Subsystem: "master", Role: ha.RoleMaster, Cause: errors.New("epoch store down")}, "req-2")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrCodeSwitchFailed, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "epoch store down")
}
