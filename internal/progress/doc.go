// Package progress holds the client-side view of an analysis job: the
// Snapshot data model, the pure Reconcile merge policy, the push/pull wire
// decoding, and a non-blocking Hub that batches accepted snapshot changes on a
// background goroutine and fans them out to pluggable sinks such as Prometheus
// metrics, Redis, or structured logs.
package progress
