package server

import (
	"encoding/json"
	"net/http"

	"github.com/nevindra/maestro"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps the error taxonomy onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch maestro.CodeOf(err) {
	case maestro.CodeValidation:
		return http.StatusBadRequest
	case maestro.CodeUnauthorized:
		return http.StatusUnauthorized
	case maestro.CodeForbidden:
		return http.StatusForbidden
	case maestro.CodeNotFound, maestro.CodeAgentNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into v, rejecting unknown syntax.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return maestro.E(maestro.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}
