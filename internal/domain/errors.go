package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrKeyNotFound         = errors.New("key does not exist or has been deleted")
	ErrKeyExpired          = errors.New("key expired")
	ErrKeyMalformed        = errors.New("malformed activation key")
	ErrKeyAlreadyUsed      = errors.New("key has already been used")
	ErrKeyBound            = errors.New("key is permanently bound to a different user")
	ErrIdentityUnavailable = errors.New("identity unavailable")
	ErrRemoteUnavailable   = errors.New("document store unavailable")
)

// ExpiredError carries the exact expiry instant so the UI can name it.
// errors.Is(err, ErrKeyExpired) matches.
type ExpiredError struct {
	At time.Time
}

func (e *ExpiredError) Error() string {
	if e.At.IsZero() {
		return ErrKeyExpired.Error()
	}
	return fmt.Sprintf("key expired on %s", e.At.Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool { return target == ErrKeyExpired }

// Expired wraps the instant in an ExpiredError.
func Expired(at time.Time) error { return &ExpiredError{At: at} }

// ExpiryOf extracts the expiry instant from an error chain, if present.
func ExpiryOf(err error) (time.Time, bool) {
	var ee *ExpiredError
	if errors.As(err, &ee) {
		return ee.At, true
	}
	return time.Time{}, false
}

// Revoked reports whether the key is gone for good: deleted remotely or past
// its expiry. Only these release an already-granted activation; anything else
// is treated as recoverable so a cached activation survives it.
func Revoked(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrKeyExpired)
}
