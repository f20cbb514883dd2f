// Package api talks to the analysis backend and hosts the local mirror
// server. Notable pieces:
//   - Client: start job, pull status, and derive the push URL for a job.
//   - Server: GET /healthz and /readyz for probes, GET /metrics for
//     Prometheus scraping, GET /v1/snapshot for the bound controller's live
//     snapshot, and GET /v1/jobs/{job_id}/snapshot for the last stored
//     record via the store.SnapshotRepository interface.
package api
