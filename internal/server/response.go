package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ahmethakanbesel/candle-collector/internal/apperror"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeErr renders err, using the status and details of an *apperror.AppError
// when err carries one.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperror.AppError
	if !errors.As(err, &ae) {
		slog.Error("request failed", "path", r.URL.Path, "error", err, "requestID", RequestID(r.Context())) //nolint:gosec // structured logging
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	body := map[string]any{"error": ae.Message()}
	for k, v := range ae.Details() {
		body[k] = v
	}
	writeJSON(w, ae.HTTPStatus(), body)
}
