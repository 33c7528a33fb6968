package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"nutrilens"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("SERVER: Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps err onto a status code and a human-readable message.
func writeErr(w http.ResponseWriter, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("SERVER: Request failed", "status", status, "error", err)
	}
	writeError(w, status, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, nutrilens.ErrRateLimited):
		return http.StatusTooManyRequests, nutrilens.ErrRateLimited.Error()
	case errors.Is(err, nutrilens.ErrQuotaExhausted):
		return http.StatusPaymentRequired, nutrilens.ErrQuotaExhausted.Error()
	case errors.Is(err, nutrilens.ErrSessionNotFound), errors.Is(err, nutrilens.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, nutrilens.ErrSessionAbandoned):
		return http.StatusGone, err.Error()
	case errors.Is(err, nutrilens.ErrStageInFlight), errors.Is(err, nutrilens.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, nutrilens.ErrInvalidAnswer), errors.Is(err, nutrilens.ErrInvalidSelection):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, nutrilens.ErrDetectionFailed), errors.Is(err, nutrilens.ErrCalculationFailed):
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
