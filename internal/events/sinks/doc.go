// Package sinks implements concrete event consumers: structured logs,
// Prometheus counters, and a notification publisher.
package sinks
