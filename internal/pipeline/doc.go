// Package pipeline wraps a single fetch operation with admission control,
// retry and per-attempt instrumentation.
//
// The three behaviors are Middleware values composed by New in a fixed
// order:
//
//	Limiter -> Retrier -> Instrumenter -> base fetch
//
// The Limiter bounds how many calls run at once, globally and per grouping
// key (the request host by default). Admission is held for the whole retry
// loop of a call and released on every exit path. The Retrier re-runs the
// base fetch on errors its Classifier marks retryable (network failures,
// timeouts and validation failures by default), waiting according to a
// Backoff between attempts, and returns the last attempt's error. The
// Instrumenter times every attempt and hands an AttemptRecord to a Sink.
package pipeline
