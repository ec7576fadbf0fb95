// Package server hosts the gatecast API behind a single HTTP server.
//
// The server builds one middleware chain (request ids, panic recovery,
// logging, metrics, security headers, CORS, bearer auth, and audit) so every
// handler shares the same protections and instrumentation.
package server
