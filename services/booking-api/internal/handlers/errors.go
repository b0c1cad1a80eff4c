package handlers

import (
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/apptbook/libs/httpx"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps err onto its HTTP status and writes {"error":{"kind","message"}}.
// Internal and dependency failures are logged with their cause, which never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"kind", kind,
			"err", err,
		)
	}
	httpx.WriteJSON(w, status, map[string]errorBody{
		"error": {Kind: string(kind), Message: apperr.Message(err)},
	})
}
