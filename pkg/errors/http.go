package errors

import (
	"encoding/json"
	"net/http"
)

// HTTP status code mappings
var errorStatusCodes = map[error]int{
	ErrNotFound:           http.StatusNotFound,
	ErrInvalidInput:       http.StatusBadRequest,
	ErrInternalError:      http.StatusInternalServerError,
	ErrTimeout:            http.StatusGatewayTimeout,
	ErrUnavailable:        http.StatusServiceUnavailable,
	ErrAlreadyExists:      http.StatusConflict,
	ErrFailedPrecondition: http.StatusPreconditionFailed,

	// Domain-specific error mappings
	ErrSessionNotFound: http.StatusNotFound,
	ErrSessionTerminal: http.StatusConflict,
	ErrBookingNotFound: http.StatusNotFound,
	ErrCallPlacement:   http.StatusBadGateway,
	ErrRealtimeConnect: http.StatusBadGateway,
	ErrSummaryFailed:   http.StatusBadGateway,
	ErrInvalidEvent:    http.StatusBadRequest,
}

// HTTPStatus maps an error to its HTTP status code, defaulting to 500
func HTTPStatus(err error) int {
	for sentinel, code := range errorStatusCodes {
		if Is(err, sentinel) {
			return code
		}
	}
	return http.StatusInternalServerError
}

// errorResponse is the JSON body written for error responses
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteError writes a standardized JSON error response
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))

	json.NewEncoder(w).Encode(errorResponse{
		Error: err.Error(),
		Code:  GetErrorCode(err),
	})
}
