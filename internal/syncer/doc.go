// Package syncer binds a client to one analysis job at a time and keeps its
// progress snapshot current. A Controller owns the snapshot and runs a single
// goroutine that drains one queue: Bind and Detach commands plus every event
// posted by the push connection and the fallback poller. All mutation goes
// through progress.Reconcile on that goroutine, so no lock guards the
// working snapshot; readers get a published copy.
//
// The push channel is tried first. When it closes before a terminal stage the
// controller starts polling the status endpoint instead, and once a terminal
// stage is observed both transports are stopped.
package syncer
