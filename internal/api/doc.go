// Package api hosts the HTTP handlers that front gatecast's session and
// payment operations.
//
// Handler methods translate requests into calls on the injected services
// (the session manager, access gate, checkout service, and webhook
// recorder) and map their sentinel errors onto HTTP statuses in one place.
// Handlers assume internal/server has already resolved the caller's bearer
// token; routes that need a caller fetch it with requireIdentity.
package api
