package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/teranos/tally/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError writes err with the HTTP status its domain mark maps to
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, httpStatus(err), err.Error())
}

// httpStatus maps domain errors to HTTP status codes
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidRequest), errors.Is(err, errors.ErrIngestionAborted):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotReady), errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrSubmissionFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseIntQueryParam extracts an integer query parameter with validation
func parseIntQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	if value < min {
		return min
	}
	if value > max {
		return max
	}

	return value
}
