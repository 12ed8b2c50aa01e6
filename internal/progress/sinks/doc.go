// Package sinks implements progress consumers: structured logs and Prometheus
// collectors. Each satisfies progress.Sink.
package sinks
