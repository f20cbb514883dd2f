// Package sinks implements concrete snapshot-change consumers such as
// Prometheus, repository-backed storage, structured logging, and plain text
// writers. Each sink satisfies the progress.Sink interface and is safe for
// repeated Consume/Close cycles.
package sinks
