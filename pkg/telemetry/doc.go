// Package telemetry wires OpenTelemetry exporters, meters, and Prometheus
// collectors for the federation gateway.
//
// It centralises trace provider and propagator setup, records
// authentication, rate limiting and liveness repair metrics, and exposes the
// HTTP boundary metrics scraped from the admin listener.
package telemetry
