// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces used to report fetch attempts. The Hub satisfies pipeline.Sink,
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, structured logs or tracing.
package progress
