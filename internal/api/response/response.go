package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/redis-profiler/internal/api/errors"
	"github.com/nkkko/redis-profiler/internal/logging"
)

// Response is the envelope of every JSON response
type Response struct {
	Success   bool             `json:"success"`
	RequestID string           `json:"request_id,omitempty"`
	Data      any              `json:"data,omitempty"`
	Error     *errors.APIError `json:"error,omitempty"`
	Meta      *Meta            `json:"meta,omitempty"`
}

// Meta describes a list response
type Meta struct {
	Count int `json:"count"`
}

// JSON sends a successful response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	sendJSON(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
}

// List sends a successful response carrying a count
func List(w http.ResponseWriter, r *http.Request, data any, count int) {
	sendJSON(w, http.StatusOK, Response{
		Success:   true,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
		Meta:      &Meta{Count: count},
	})
}

// Error sends an error response. Server side failures are logged.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())

	apiErr := errors.FromError(err).WithRequestID(requestID)
	if apiErr.HTTPCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().
			Err(err).
			Str("code", apiErr.Code).
			Msg("Request failed")
	}

	sendJSON(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

// sendJSON writes data with the given status
func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
	}
}
