package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestAssessInsufficientData(t *testing.T) {
	t.Parallel()

	a := Assess(harvest.QualityMetrics{RunsTotal: 4, EmptyStreak: 4}, now)
	require.Equal(t, harvest.QualityHealthy, a.Status)
	require.Equal(t, 100, a.Score)
	require.True(t, a.InsufficientData)
}

func TestAssessUnstableScenario(t *testing.T) {
	t.Parallel()

	m := harvest.QualityMetrics{
		RunsTotal:       10,
		RunsWithResults: 1,
		EmptyStreak:     10,
		AvgFetched:      0.1,
		LastNonEmptyAt:  ago(72 * time.Hour),
	}
	a := Assess(m, now)
	require.Equal(t, harvest.QualityUnstable, a.Status)
	// 100 - 40 (streak) - 20 (rate 0.1) - 15 (stale)
	require.Equal(t, 25, a.Score)
	require.Len(t, a.Reasons, 3)
	require.Len(t, a.Recommendations, 3)
}

func TestAssessPenaltyTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    harvest.QualityMetrics
		want int
	}{
		{
			name: "healthy",
			m:    harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 10, AvgFetched: 12, LastNonEmptyAt: ago(time.Hour)},
			want: 100,
		},
		{
			name: "short streak",
			m:    harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 7, EmptyStreak: 3, AvgFetched: 12, LastNonEmptyAt: ago(time.Hour)},
			want: 90,
		},
		{
			name: "mid streak and half success",
			m:    harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 4, EmptyStreak: 5, AvgFetched: 12, LastNonEmptyAt: ago(time.Hour)},
			want: 65,
		},
		{
			name: "low yield and day old",
			m:    harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 6, AvgFetched: 1.5, LastNonEmptyAt: ago(30 * time.Hour)},
			want: 85,
		},
		{
			name: "never produced",
			m:    harvest.QualityMetrics{RunsTotal: 6, EmptyStreak: 6},
			want: 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Assess(tt.m, now).Score)
		})
	}
}

func TestAssessIsPure(t *testing.T) {
	t.Parallel()

	m := harvest.QualityMetrics{RunsTotal: 12, RunsWithResults: 2, EmptyStreak: 6, AvgFetched: 0.4, LastNonEmptyAt: ago(30 * time.Hour)}
	require.Equal(t, Assess(m, now), Assess(m, now))
}

func TestAssessMonotonicInEmptyStreak(t *testing.T) {
	t.Parallel()

	prev := 101
	for streak := 0; streak <= 15; streak++ {
		m := harvest.QualityMetrics{RunsTotal: 20, RunsWithResults: 10, EmptyStreak: streak, AvgFetched: 5, LastNonEmptyAt: ago(time.Hour)}
		score := Assess(m, now).Score
		require.LessOrEqual(t, score, prev, "streak %d", streak)
		prev = score
	}
}

func TestAssessMonotonicInSuccessRate(t *testing.T) {
	t.Parallel()

	prev := -1
	for withResults := 0; withResults <= 20; withResults++ {
		m := harvest.QualityMetrics{RunsTotal: 20, RunsWithResults: withResults, EmptyStreak: 2, AvgFetched: 5, LastNonEmptyAt: ago(time.Hour)}
		score := Assess(m, now).Score
		require.GreaterOrEqual(t, score, prev, "runs with results %d", withResults)
		prev = score
	}
}

func TestShouldReduceFrequency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    harvest.QualityMetrics
		want float64
	}{
		{"unstable wins", harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 1, EmptyStreak: 10, AvgFetched: 0.1}, 0.3},
		{"empty streak", harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 5, EmptyStreak: 5, AvgFetched: 5, LastNonEmptyAt: ago(time.Hour)}, 0.5},
		{"low success", harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 2, AvgFetched: 5, LastNonEmptyAt: ago(time.Hour)}, 0.7},
		{"healthy", harvest.QualityMetrics{RunsTotal: 10, RunsWithResults: 9, AvgFetched: 5, LastNonEmptyAt: ago(time.Hour)}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := ShouldReduceFrequency(tt.m, Assess(tt.m, now))
			require.InDelta(t, tt.want, c.Multiplier, 1e-9)
			require.Equal(t, tt.want < 1.0, c.Reduce)
		})
	}
}

func TestRecordTracksStreaksAndDegradation(t *testing.T) {
	t.Parallel()

	m := harvest.QualityMetrics{TargetID: "t1", AccountID: "a1"}
	for i := 0; i < 5; i++ {
		m, _ = Record(m, 0, now)
	}
	require.Equal(t, 5, m.RunsTotal)
	require.Equal(t, 5, m.EmptyStreak)
	require.Equal(t, 5, m.MaxEmptyStreak)
	require.Equal(t, harvest.QualityUnstable, m.QualityStatus)
	require.NotNil(t, m.DegradedSince)

	later := now.Add(time.Hour)
	m, a := Record(m, 30, later)
	require.Equal(t, 0, m.EmptyStreak)
	require.Equal(t, 5, m.MaxEmptyStreak)
	require.Equal(t, 1, m.RunsWithResults)
	require.InDelta(t, 5.0, m.AvgFetched, 1e-9)
	require.Equal(t, later, *m.LastNonEmptyAt)
	require.Equal(t, a.Score, m.QualityScore)
}
