// Package main hosts the harvest orchestrator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics, task creation, session
//     administration, selection previews, quality assessment, and pacing calculations.
//   - Dispatcher: a fixed pool of workers sized by worker.concurrency claims tasks from the shared store,
//     while cron-scheduled maintenance jobs sweep stale locks, release cooldowns, and plan target runs.
//     With Redis enabled only the elected leader runs maintenance.
//   - Runs: each worker selects an account session, waits for the per-account limiter and the pacing
//     delay, then streams the run through the remote execution engine. Scroll telemetry feeds a risk
//     engine that escalates the profile or aborts the run.
//   - Persistence: tasks, sessions, accounts, targets, quality metrics, and cooldowns live in Postgres
//     (or memory for development). Run archives go to memory, local disk, or GCS.
//   - Events: task and session transitions are batched by an event hub and fanned out to logs,
//     Prometheus, and an optional Pub/Sub topic.
//
// Commands:
//   - serve: run the API, workers, and maintenance jobs until SIGINT/SIGTERM.
//   - sweep: run one lock recovery and cooldown release pass and exit.
//   - migrate up|down: apply or roll back the Postgres schema.
//   - assess: score a quality metrics document read from a file or stdin.
//
// Configuration is read by Viper from an optional YAML file (--config) and HARVEST_* environment
// variables, e.g. HARVEST_DB_DSN, HARVEST_CRYPTO_PASSPHRASE, HARVEST_EXECUTOR_ENDPOINT.
package main
