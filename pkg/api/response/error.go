package response

import (
	"errors"
	"net/http"

	"github.com/graphkeep/graphkeep/pkg/ha"
)

// ErrorResponse is the body of every failed admin request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Error codes. NotMaster and SwitchFailed refine the codes of their
// status.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeNotMaster          = "NOT_MASTER"
	ErrCodeSwitchFailed       = "SWITCH_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("resource conflict")
	ErrNotMaster          = errors.New("node is not serving as master")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("request timeout")
	ErrInternalServer     = errors.New("internal server error")
)

var statusCodes = map[int]string{
	http.StatusBadRequest:         ErrCodeBadRequest,
	http.StatusNotFound:           ErrCodeNotFound,
	http.StatusMethodNotAllowed:   ErrCodeMethodNotAllowed,
	http.StatusConflict:           ErrCodeConflict,
	http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
	http.StatusGatewayTimeout:     ErrCodeGatewayTimeout,
}

// classify maps err to its status and code. A failed role switch and an
// unavailable node answer 503 so health checks and operators retry.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotMaster):
		return http.StatusConflict, ErrCodeNotMaster
	case ha.IsConstructionError(err):
		return http.StatusServiceUnavailable, ErrCodeSwitchFailed
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case ha.IsUnavailableError(err), errors.Is(err, ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	return status, ErrorCodeFromStatus(status)
}

// HTTPStatusFromError returns the status answered for err.
func HTTPStatusFromError(err error) int {
	status, _ := classify(err)
	return status
}

// ErrorCode returns the code answered for err.
func ErrorCode(err error) string {
	_, code := classify(err)
	return code
}

// ErrorCodeFromStatus returns the generic code of an HTTP status.
func ErrorCodeFromStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalServer
}

// HandleError writes the error response matching err.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status, code := classify(err)
	Error(w, status, code, err.Error(), requestID)
}
