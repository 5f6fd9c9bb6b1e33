package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON / writeError, so the API has one
// error shape:
//
//	{"error": "rate_limited", "message": "provider rate limit still exceeded after 4 attempts"}
//
// "error" is apperror.Code(err); "message" is the AppError's message.

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/training-sync/internal/apperror"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are gone already; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps a domain error to an HTTP status.
//
//	validation         -> 400
//	unauthorized       -> 401
//	credential invalid -> 401  (user has to reconnect the provider)
//	forbidden          -> 403
//	not found          -> 404
//	conflict           -> 409
//	remote fetch       -> 502
//	rate limited       -> 503
//	anything else      -> 500
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrUnauthorized), errors.Is(err, apperror.ErrCredentialInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrRemoteFetch):
		return http.StatusBadGateway
	case errors.Is(err, apperror.ErrRateLimited):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		// Never echo unknown errors; they can carry SQL or file paths.
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status := statusFor(err)
	msg := appErr.Message
	if errors.Is(err, apperror.ErrPersistence) {
		msg = "a storage error occurred"
	}
	writeJSON(w, status, ErrorResponse{
		Error:   apperror.Code(err),
		Message: msg,
		Field:   appErr.Field,
	})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
	}
	return nil
}

// queryLimit parses ?limit=, returning def when it is absent.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperror.ValidationFailed("limit", "limit must be a positive integer")
	}
	return n, nil
}
