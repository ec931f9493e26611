package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/condastore/internal/api/errors"
	"github.com/narvanalabs/condastore/internal/lockfile"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewInvalidRequestError(message), middleware.GetReqID(r.Context()))
}

// writeError maps err to its API error, logging server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	apiErr := apierrors.FromError(err)
	requestID := middleware.GetReqID(r.Context())
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		logger.Error(msg, "error", err, "error_code", apiErr.Code, "request_id", requestID)
	} else {
		logger.Debug(msg, "error", err, "request_id", requestID)
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
}

// writeResolution serves a lockfile resolution. Redirects only carry the
// Location header; the key is relative and resolved by the client against
// the request URL.
func writeResolution(w http.ResponseWriter, res *lockfile.Resolution) {
	if res.IsRedirect() {
		w.Header().Set("Location", res.Location)
		w.WriteHeader(res.Status)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(res.Status)
	io.WriteString(w, res.Content)
}
