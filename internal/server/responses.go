// Package server provides utility functions for writing HTTP responses.
//
// This file contains helpers for writing JSON bodies and error responses on
// the admin endpoints, and for mapping routing errors to the codes carried
// by ERROR messages on the WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fablecraft/collab-relay/internal/collab"
	"github.com/fablecraft/collab-relay/internal/logging"
)

// Error codes sent in ERROR messages.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeUnknownLockAction  = "UNKNOWN_LOCK_ACTION"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

// WriteJSON writes a JSON response.
// Returns an error if JSON encoding fails.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteJSONSafe writes a JSON response and logs encoding failures.
// The body is encoded before any header is written, so a value that cannot
// be encoded still produces a well-formed 500 response.
func WriteJSONSafe(w http.ResponseWriter, statusCode int, data any, logger logging.Logger) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.Errorw("error encoding JSON response", "error", err, "request_id", w.Header().Get(headerRequestID))
		_ = WriteJSON(w, http.StatusInternalServerError, CreateErrorResponse("Internal server error", http.StatusInternalServerError))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// CreateErrorResponse builds the {errors:[{message,code}]} body.
func CreateErrorResponse(message string, code int) map[string]any {
	return map[string]any{
		"errors": []map[string]any{
			{
				"message": message,
				"code":    code,
			},
		},
	}
}

// WriteError writes an error response with the given status.
func (s *Server) WriteError(w http.ResponseWriter, statusCode int, message string) {
	s.stats.requestsError.Add(1)
	WriteJSONSafe(w, statusCode, CreateErrorResponse(message, statusCode), s.logger)
}

// errorCode maps a routing error to its ERROR code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrUnknownMessageType):
		return CodeUnknownMessageType
	case errors.Is(err, collab.ErrUnknownLockAction):
		return CodeUnknownLockAction
	case errors.Is(err, collab.ErrInvalidPayload):
		return CodeInvalidPayload
	default:
		return CodeInternal
	}
}
