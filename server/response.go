package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
)

// ErrorResponse represents an API error with optional structured details
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"` // Hints and details carried by the error
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string, details ...string) {
	_ = writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// writeServiceError maps a service error onto a status code and writes it.
// Internal failures are logged; client errors are not.
func writeServiceError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		err = errors.Wrap(err, context)
		log.Errorw(context, "error", err)
	}
	writeError(w, status, err.Error(), errorDetails(err)...)
}

func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidArgumentError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(err error) []string {
	details := errors.GetAllHints(err)
	return append(details, errors.GetAllDetails(err)...)
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return err
	}
	return nil
}

// queryInt parses an optional integer query parameter. Missing means def.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidArgumentError("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

// queryTime parses an optional RFC3339 query parameter
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.WithHint(
			errors.NewInvalidArgumentError("%s must be an RFC3339 timestamp, got %q", name, raw),
			"for example 2024-01-02T09:00:00Z")
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
