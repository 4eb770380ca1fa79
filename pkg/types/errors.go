package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced across package boundaries. Handlers map these to
// HTTP statuses; everything else degrades to an internal error.
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenConsumed      = errors.New("token consumed")
	ErrNotFound           = errors.New("not found")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrValidation         = errors.New("validation failed")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPathViolation      = errors.New("path violation")
	ErrWorkerBusy         = errors.New("worker busy")
	ErrConcurrency        = errors.New("concurrent conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Validationf wraps ErrValidation with a human-readable message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IllegalTransitionf wraps ErrIllegalTransition with the offending edge.
func IllegalTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalTransition, fmt.Sprintf(format, args...))
}

// ErrorCode returns the wire code for an error kind, defaulting to
// InternalError for anything unrecognized.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "Unauthenticated"
	case errors.Is(err, ErrTokenExpired):
		return "TokenExpired"
	case errors.Is(err, ErrTokenConsumed):
		return "TokenConsumed"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrIllegalTransition):
		return "IllegalTransition"
	case errors.Is(err, ErrValidation):
		return "Validation"
	case errors.Is(err, ErrPayloadTooLarge):
		return "PayloadTooLarge"
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "StorageUnavailable"
	case errors.Is(err, ErrWorkerBusy):
		return "WorkerBusy"
	case errors.Is(err, ErrConcurrency):
		return "Concurrency"
	case errors.Is(err, ErrServiceUnavailable):
		return "ServiceUnavailable"
	default:
		return "InternalError"
	}
}
