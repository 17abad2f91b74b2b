// Package response writes the JSON bodies of the admin API.
package response

import (
	"encoding/json"
	"net/http"
)

// JSON writes data with statusCode. A nil data writes no body.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		// headers are already sent; nothing useful can be reported
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	ErrorWithDetails(w, statusCode, code, message, nil, requestID)
}

// ErrorWithDetails writes an ErrorResponse carrying details.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}, requestID string) {
	JSON(w, statusCode, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}
