// Package progress carries download lifecycle events from workers to sinks.
// Emit never blocks; a background goroutine batches events and fans them out
// to pluggable sinks such as structured logs or Prometheus collectors.
package progress
