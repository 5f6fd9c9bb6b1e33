// Package apperror defines the error taxonomy shared by every layer.
//
// SENTINELS + *AppError:
// Lower layers return an *AppError whose Err field is one of the sentinels
// below. Callers classify with errors.Is (which sentinel?) and errors.As
// (which message / status code?). Nothing above the repository layer ever
// compares error strings.
//
// The sync core adds four kinds on top of the generic CRUD ones:
//   - ErrCredentialInvalid: the provider grant is expired or revoked; fatal for the attempt
//   - ErrRateLimited: the provider kept answering 429 after all retries
//   - ErrRemoteFetch: any other non-2xx (or transport failure) from the provider
//   - ErrPersistence: the local store failed
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	ErrCredentialInvalid = errors.New("credential invalid")
	ErrRateLimited       = errors.New("rate limited")
	ErrRemoteFetch       = errors.New("remote fetch failed")
	ErrPersistence       = errors.New("persistence failure")
)

// maxBodyLen bounds the remote response body kept for diagnostics.
const maxBodyLen = 512

type AppError struct {
	Err     error  // sentinel
	Message string // Human-readable error message
	Field   string // Optional: field causing the error

	// StatusCode and Body are only set for ErrRemoteFetch.
	StatusCode int
	Body       string

	// Cause is the underlying failure, if any (driver error, oauth2 error...).
	Cause error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so
// errors.Is(err, ErrPersistence) and errors.Is(err, context.DeadlineExceeded)
// can both succeed on the same value.
func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// CredentialInvalid reports that the user's provider grant can no longer be
// used. The user has to reconnect before another sync can succeed.
func CredentialInvalid(userID string, cause error) *AppError {
	msg := "provider credential invalid"
	if userID != "" {
		msg = fmt.Sprintf("provider credential invalid for user %s", userID)
	}
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &AppError{
		Err:     ErrCredentialInvalid,
		Message: msg,
		Cause:   cause,
	}
}

// RateLimited reports that the provider was still throttling after attempts tries.
func RateLimited(attempts int) *AppError {
	return &AppError{
		Err:     ErrRateLimited,
		Message: fmt.Sprintf("provider rate limit still exceeded after %d attempts", attempts),
	}
}

// RemoteFetchFailed carries the provider status and a truncated body.
// status is 0 when the request never got a response.
func RemoteFetchFailed(status int, body string, cause error) *AppError {
	if len(body) > maxBodyLen {
		body = body[:maxBodyLen]
	}
	msg := fmt.Sprintf("provider request failed with status %d", status)
	if status == 0 && cause != nil {
		msg = fmt.Sprintf("provider request failed: %v", cause)
	}
	return &AppError{
		Err:        ErrRemoteFetch,
		Message:    msg,
		StatusCode: status,
		Body:       body,
		Cause:      cause,
	}
}

func PersistenceFailed(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrPersistence,
		Message: fmt.Sprintf("storage failure while %s: %v", op, cause),
		Cause:   cause,
	}
}

// Code returns a short machine-readable name for err, suitable for API
// payloads and metric labels.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredentialInvalid):
		return "credential_invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrRemoteFetch):
		return "remote_fetch_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal_error"
	}
}
