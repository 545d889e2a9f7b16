// Package api hosts the HTTP operations surface of the orchestrator.
// Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - GET /v1/diagnostics explains why nothing is being dispatched.
//   - /v1/sessions/... previews selection and runs administrative session actions.
//   - POST /v1/quality/assess and /v1/timing/delay expose the pure assessors.
//   - POST /v1/tasks and GET /v1/tasks/{task_id} create and inspect tasks.
package api
