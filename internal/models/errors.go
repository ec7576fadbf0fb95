package models

import "errors"

// Sentinel errors shared by every layer. Callers classify failures with
// errors.Is; lower layers wrap these with context using %w.
var (
	// ErrUnauthenticated is returned when no caller identity was resolved.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound is returned when a session or provider resource is absent.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamProvider marks an ingest provider or payment gateway call
	// that failed after retries were exhausted or failed permanently.
	ErrUpstreamProvider = errors.New("upstream provider error")
	// ErrInvalidSignature is returned for webhook deliveries whose signature
	// does not verify against the raw payload.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedEvent is returned for verified webhook payloads that cannot
	// be interpreted.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrPaymentRequired is the access-gate denial for unpaid viewers. It is
	// an expected outcome, not a fault.
	ErrPaymentRequired = errors.New("payment required")
	// ErrConflict is returned when a concurrent session mutation won the
	// race. The caller may retry.
	ErrConflict = errors.New("conflict")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrForbidden       = errors.New("forbidden")
)
