// Package main is the jobwatch executable.
//
// jobwatch follows a document analysis job on the backend:
//   - start <file> submits the document and prints the job id; --watch keeps
//     following it.
//   - watch <job_id> binds a controller to the job and prints one line per
//     snapshot change until the job completes (exit 0) or fails (exit 1).
//     SIGINT/SIGTERM detach and exit 130.
//   - status <job_id> performs one pull and prints the response as JSON.
//
// The controller listens on the job's WebSocket channel and, once that
// channel closes before a terminal stage, polls the status endpoint every
// poll.interval_ms. Changes are batched to sinks: zap logs, Prometheus
// collectors, the snapshot store (memory, or Redis when redis.url is set) and
// the terminal. With --listen the local mirror serves /healthz, /readyz,
// /metrics, /v1/snapshot and /v1/jobs/{job_id}/snapshot.
//
// Configuration comes from an optional YAML file (--config) and JOBWATCH_*
// environment variables, e.g. JOBWATCH_API_BASE_URL or JOBWATCH_REDIS_URL.
package main
