package platforms

import "github.com/cockroachdb/errors"

var (
	// ErrTransient marks failures worth retrying: timeouts, throttling, 5xx.
	ErrTransient = errors.New("transient platform error")
	// ErrPermanent marks failures that will not clear on retry: revoked credentials, banned account.
	ErrPermanent = errors.New("permanent platform error")
	// ErrNoAdapter is returned when no adapter is registered for a platform.
	ErrNoAdapter = errors.New("no adapter registered for platform")
)

// Transient marks err as retryable while keeping its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Permanent marks err as non-retryable while keeping its message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err carries the permanent mark.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err should be retried. Unmarked errors are
// treated as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
