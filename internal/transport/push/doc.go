// Package push supervises one WebSocket subscription to a job's progress
// stream. A Connection moves Idle → Connecting → Open → Closed exactly once
// and is never redialed after it opened; every event it posts carries the
// progress.Binding it was started for.
package push
