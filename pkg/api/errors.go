package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/commands"
	"github.com/go-go-golems/switchboard/pkg/session"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps an operation error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case commands.IsValidation(err),
		errors.Is(err, session.ErrEmptySessionID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrLoggedOut),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case commands.IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("component", "api").Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status > 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
