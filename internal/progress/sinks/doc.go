// Package sinks implements concrete attempt consumers: Prometheus metrics,
// structured logging and OpenTelemetry spans. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
