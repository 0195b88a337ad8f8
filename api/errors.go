package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paw-chain/custody/types"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Code    uint32 `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// statusFor maps a service error to its HTTP status. Integrity and ledger
// faults are server errors; nothing here hides them.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidTrigger), errors.Is(err, types.ErrInvalidRange),
		errors.Is(err, types.ErrInvalidDigest):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrIncidentNotFound), errors.Is(err, types.ErrBlockNotFound),
		errors.Is(err, types.ErrBlobNotFound), errors.Is(err, types.ErrUnknownSite):
		return http.StatusNotFound
	case errors.Is(err, types.ErrBlobPruned):
		return http.StatusGone
	case errors.Is(err, types.ErrCaptureRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrCaptureStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrRecoveryInProgress):
		return http.StatusConflict
	default:
		// ErrLedgerHalted, ErrAppendConflict and anything unexpected
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with an explicit status
func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message, Status: status}
	if err != nil {
		response.Details = err.Error()
		response.Code = types.ErrorCode(err)
	}
	respondJSON(w, status, response)
}

// respondServiceError sends err with the status it maps to
func respondServiceError(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}
