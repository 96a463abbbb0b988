// Package progress carries task progress to two audiences. Streams hold the
// per-task, append-only log that API clients subscribe to; each stream
// replays its history, emits exactly one terminal message and then closes.
// The Hub batches lifecycle events on a background goroutine and fans them
// out to pluggable sinks such as structured logs or Prometheus metrics.
package progress
