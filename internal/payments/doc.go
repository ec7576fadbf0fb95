// Package payments turns payment gateway traffic into ledger grants.
//
// Outbound, GatewayClient opens hosted checkout sessions whose metadata names
// the host and viewer. Inbound, Recorder verifies signed webhook deliveries,
// extracts the same pair from completed checkouts, and records a grant with
// set semantics so that redelivered events never create a second grant.
package payments
