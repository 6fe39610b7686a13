package types

import "errors"

// Error is the coded error type used across the engine. Code classifies the
// failure for callers; Err carries the underlying cause for %w chains.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common error codes.
const (
	ErrAdapterUnavailable = "ADAPTER_UNAVAILABLE"
	ErrRateUnavailable    = "RATE_UNAVAILABLE"
	ErrRateLockExpired    = "RATE_LOCK_EXPIRED"
	ErrDoubleClaim        = "DOUBLE_CLAIM"
	ErrDeliveryFailure    = "DELIVERY_FAILURE"
	ErrChainFailure       = "CHAIN_FAILURE"
	ErrInvalidSpec        = "INVALID_SPEC"
	ErrNotFound           = "NOT_FOUND"
	ErrInvalidState       = "INVALID_STATE"
	ErrUnsupportedChain   = "UNSUPPORTED_CHAIN"
)

// IsCode reports whether err or any error it wraps carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Err
		if err == nil {
			return false
		}
	}
	return false
}
