// Package sinks implements progress consumers: structured logging,
// Prometheus collectors, the run history repository and a message publisher.
// Each sink satisfies progress.Sink.
package sinks
