package syncline

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the syncline package.
var (
	// ErrForbidden is returned when the shared ingress secret is missing or
	// does not match.
	ErrForbidden = errors.New("missing or incorrect ingress secret")

	// ErrQuotaExceeded is returned by a Store when a write would exceed the
	// available storage quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrColumnUnmapped is returned when a row snapshot does not satisfy the
	// column map registered for its source. A layout change in the external
	// sheet surfaces here instead of silently misreading fields.
	ErrColumnUnmapped = errors.New("column not covered by source column map")

	// ErrOffline marks a fetch that failed because the network is
	// unavailable. Sync attempts failing with it stay retryable.
	ErrOffline = errors.New("network unavailable")
)

// DeliveryError describes a failed delivery to a single target. Permanent
// failures cause the target's push token to be pruned from the registry;
// transient failures are logged and left for the next broadcast.
type DeliveryError struct {
	Token     string
	Code      string
	Permanent bool
	Cause     error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s delivery failure for token %q (%s): %v", kind, e.Token, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s delivery failure for token %q (%s)", kind, e.Token, e.Code)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}
