package marketplace

import (
	"errors"
	"fmt"
	"time"

	"resale-sync/internal/domain"
)

// Sentinel errors.
var (
	// ErrIgnorable marks a verified webhook that carries no sale.
	ErrIgnorable = errors.New("marketplace: ignorable webhook")

	// ErrInvalidSignature marks a webhook that failed verification.
	ErrInvalidSignature = errors.New("marketplace: invalid webhook signature")

	// ErrUnknownPlatform is returned by the Registry for unregistered names.
	ErrUnknownPlatform = errors.New("marketplace: unknown platform")
)

// AuthError means the platform rejected our credentials. Not retryable.
type AuthError struct {
	Platform string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth error: %s", e.Platform, e.Message)
}

// RateLimitedError means the platform throttled us. Retry after RetryAfter.
type RateLimitedError struct {
	Platform   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s)", e.Platform, e.RetryAfter)
}

// ValidationError means the platform rejected the listing content. Not retryable.
type ValidationError struct {
	Platform string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation error: %s", e.Platform, e.Message)
}

// TransientError is a retryable network or server fault.
type TransientError struct {
	Platform string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %v", e.Platform, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Classify maps an adapter error to its ErrorKind.
// Untyped errors (timeouts, dial failures) count as transient.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}

	var authErr *AuthError
	var rateErr *RateLimitedError
	var validationErr *ValidationError
	switch {
	case errors.As(err, &authErr):
		return domain.ErrorKindAuth
	case errors.As(err, &rateErr):
		return domain.ErrorKindRateLimit
	case errors.As(err, &validationErr):
		return domain.ErrorKindValidation
	default:
		return domain.ErrorKindTransient
	}
}

// IsRetryable reports whether the job should be attempted again.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case domain.ErrorKindTransient, domain.ErrorKindRateLimit:
		return true
	default:
		return false
	}
}

// RetryAfter returns the platform-provided delay for rate-limit errors.
func RetryAfter(err error) (time.Duration, bool) {
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter, true
	}
	return 0, false
}
