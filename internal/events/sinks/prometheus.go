package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
)

// PrometheusSink counts transitions by kind and outcome.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	cooldowns   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	fetched     prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_events_total",
			Help: "Task and session transitions partitioned by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_task_failures_total",
			Help: "Task failures partitioned by decision and error code.",
		}, []string{"kind", "code"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_cooldowns_applied_total",
			Help: "Cooldowns applied partitioned by reason.",
		}, []string{"reason"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_run_duration_seconds",
			Help:    "Execution time of completed runs by profile.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"profile"}),
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_posts_fetched_total",
			Help: "Posts fetched by completed runs.",
		}),
	}
	for _, c := range []prometheus.Collector{s.transitions, s.failures, s.cooldowns, s.runDuration, s.fetched} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.transitions.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindTaskRetry, events.KindTaskCooldown, events.KindTaskFailed, events.KindRunAborted:
			code := evt.Code
			if code == "" {
				code = "UNKNOWN"
			}
			s.failures.WithLabelValues(string(evt.Kind), code).Inc()
		case events.KindCooldownApplied:
			s.cooldowns.WithLabelValues(evt.Code).Inc()
		case events.KindTaskCompleted:
			if evt.Fetched > 0 {
				s.fetched.Add(float64(evt.Fetched))
			}
			if evt.Dur > 0 {
				profile := evt.Profile
				if profile == "" {
					profile = "unknown"
				}
				s.runDuration.WithLabelValues(profile).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
