package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// internalErrorBody is sent when a response cannot be encoded.
const internalErrorBody = `{"status":"error","message":"Internal server error","code":"INTERNAL_ERROR"}`

// respondJSON encodes body before touching headers so an encoding failure can
// still produce a clean 500.
func respondJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("API response not encodable", "status", status, "error", err)
		payload, status = []byte(internalErrorBody), http.StatusInternalServerError
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		slog.Debug("API response write failed", "status", status, "error", err)
	}
}

// statusForCode maps a domain error code to an HTTP status.
func statusForCode(code models.ErrorCode) int {
	switch code {
	case models.CodeInvalidInput:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeNotConnected, models.CodeConflict, models.CodeInvalidTransition, models.CodeTerminalDisconnect:
		return http.StatusConflict
	case models.CodeChallengeExpired:
		return http.StatusGone
	case models.CodeSendFailed:
		return http.StatusBadGateway
	case models.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as an error envelope with the status for its code.
func writeError(w http.ResponseWriter, err error) {
	code := models.CodeOf(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	respondJSON(w, status, models.ErrorWithCode(code, message))
}
