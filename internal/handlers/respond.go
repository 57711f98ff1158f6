package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError is the one place errors become HTTP responses. Unclassified and
// configuration errors are logged and reported as a generic 500.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok || e.Status() == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]errorBody{
			"error": {Code: string(apperr.KindInternal), Message: "internal server error"},
		})
		return
	}
	writeJSON(w, e.Status(), map[string]errorBody{
		"error": {Code: e.Code, Message: e.Message, Fields: e.Fields},
	})
}
