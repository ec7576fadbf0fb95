// Package ingest talks to the external media ingest provider on behalf of the
// session manager.
//
// Overview
//
// A host publishes media to an ingest endpoint (an RTMP URL plus stream key)
// that belongs to a room named after the host. The package exposes:
//
//   - Provider: the narrow contract the core needs from the provider. List
//     and delete endpoints and rooms for a host namespace, and create a new
//     endpoint.
//   - LiveKitClient: a Provider that speaks LiveKit's Twirp JSON API with a
//     short-lived HS256 access token per request.
//   - MemoryProvider: an in-process Provider for development mode and tests.
//   - Reconciler: ResetHostIngest tears down every room and endpoint under a
//     host namespace before new credentials are issued.
//
// Retry Semantics
//
// LiveKitClient routes every call through upstream.Do:
//
//   - Retries transport errors, per-attempt timeouts, HTTP 5xx and HTTP 429
//     with exponential backoff bounded by Config.MaxAttempts.
//   - Fails immediately on every other 4xx (bad credentials, malformed
//     request).
//   - Treats a 404 on delete as success. The resource is already gone and
//     the provider does not guarantee read-your-writes on list.
//
// All returned errors wrap models.ErrUpstreamProvider.
//
// Reconciliation
//
// ResetHostIngest lists rooms and endpoints concurrently, deletes every room,
// then deletes every endpoint. Deletions fan out under a concurrency limit and
// keep going past individual failures; the joined error is returned once all
// of them finish. Callers hold the per-host lock for the whole call.
package ingest
