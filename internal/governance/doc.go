// Package governance holds the runtime safety controls of the federation
// gateway: per-origin admission limits for inbound requests and retry with
// backoff for outbound replication calls.
package governance
