// Package ingeststub hosts a deterministic fake of the LiveKit Twirp control
// plane for ingest tests. It keeps rooms and ingress endpoints in memory,
// verifies the bearer access token on every call, records each operation, and
// can be told to fail the first N calls of a kind with HTTP 503.
package ingeststub
