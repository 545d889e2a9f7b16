package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{Kind: events.KindTaskClaimed, TS: now, TaskID: "t1"},
		{Kind: events.KindTaskCompleted, TS: now, TaskID: "t1", Fetched: 42, Dur: 90 * time.Second, Profile: "NORMAL"},
		{Kind: events.KindTaskRetry, TS: now, TaskID: "t2", Code: "ETIMEDOUT"},
		{Kind: events.KindTaskFailed, TS: now, TaskID: "t3"},
		{Kind: events.KindCooldownApplied, TS: now, AccountID: "a1", Code: "CAPTCHA"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("TASK_CLAIMED")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.failures.WithLabelValues("TASK_RETRY", "ETIMEDOUT")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.failures.WithLabelValues("TASK_FAILED", "UNKNOWN")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.cooldowns.WithLabelValues("CAPTCHA")), 1e-9)
	require.InDelta(t, 42.0, testutil.ToFloat64(sink.fetched), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "harvest_run_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
