package gateway

import "errors"

// Sentinel errors surfaced to HTTP handlers and classified by the retry/fallback
// executor. Each maps to exactly one error kind in the response envelope.
var (
	ErrValidation         = errors.New("validation")
	ErrNotFound           = errors.New("not_found")
	ErrConflict           = errors.New("conflict")
	ErrAuthRequired       = errors.New("auth_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrTransientBackend   = errors.New("transient_backend")
	ErrPermanentBackend   = errors.New("permanent_backend")
	ErrTimedOut           = errors.New("timed_out")
	ErrCancelled          = errors.New("cancelled")
	ErrInterrupted        = errors.New("interrupted")
	ErrQueueFull          = errors.New("queue_full")
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
)

// ErrorKind is the stable machine-readable code carried in a failed response.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindAuthReq     ErrorKind = "auth_required"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient_backend"
	KindPermanent   ErrorKind = "permanent_backend"
	KindTimedOut    ErrorKind = "timed_out"
	KindCancelled   ErrorKind = "cancelled"
	KindInterrupted ErrorKind = "interrupted"
	KindQueueFull   ErrorKind = "queue_full"
	KindStorage     ErrorKind = "storage_unavailable"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
)

// KindFromError maps a sentinel error to its stable kind, defaulting to
// permanent_backend for unrecognized errors so callers never leak raw errors.
func KindFromError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAuthRequired):
		return KindAuthReq
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTransientBackend):
		return KindTransient
	case errors.Is(err, ErrTimedOut):
		return KindTimedOut
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorage
	default:
		return KindPermanent
	}
}
