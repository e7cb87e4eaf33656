package models

import "errors"

var (
	// ErrAuthenticity marks a webhook whose signature did not verify. Permanent.
	ErrAuthenticity = errors.New("authenticity_failure")
	// ErrUpstreamUnavailable marks a transient store or payment processor failure.
	ErrUpstreamUnavailable = errors.New("upstream_unavailable")
	ErrNotFound            = errors.New("not_found")
	ErrCapacityExceeded    = errors.New("capacity_exceeded")
	ErrCodeInvalid         = errors.New("code_invalid")
	ErrLicenseExpired      = errors.New("license_expired")
	ErrUnknownPlan         = errors.New("unknown_plan")

	// ErrConflict is returned by compare-and-set writes when the stored row
	// changed since it was read, and by inserts that hit a unique key.
	ErrConflict = errors.New("conflict")
)

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrConflict)
}
