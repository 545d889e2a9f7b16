// Package quality scores the harvesting yield of target/account pairs.
package quality

import (
	"fmt"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const (
	minRunsForAssessment = 5
	healthyThreshold     = 70
	degradedThreshold    = 40
)

// Assessment is the result of scoring a metrics snapshot.
type Assessment struct {
	Status           harvest.QualityStatus `json:"status"`
	Score            int                   `json:"score"`
	Reasons          []string              `json:"reasons"`
	Recommendations  []string              `json:"recommendations"`
	InsufficientData bool                  `json:"insufficient_data"`
}

// Assess scores metrics at the given instant. It has no side effects; the
// same input always yields the same assessment.
func Assess(m harvest.QualityMetrics, now time.Time) Assessment {
	if m.RunsTotal < minRunsForAssessment {
		return Assessment{
			Status:           harvest.QualityHealthy,
			Score:            100,
			Reasons:          []string{"insufficient data"},
			Recommendations:  []string{},
			InsufficientData: true,
		}
	}

	a := Assessment{Reasons: []string{}, Recommendations: []string{}}
	score := 100
	penalize := func(points int, reason, recommendation string) {
		score -= points
		a.Reasons = append(a.Reasons, reason)
		a.Recommendations = append(a.Recommendations, recommendation)
	}

	switch {
	case m.EmptyStreak >= 10:
		penalize(40, fmt.Sprintf("%d consecutive empty runs", m.EmptyStreak),
			"verify the query still matches content or disable the target")
	case m.EmptyStreak >= 5:
		penalize(25, fmt.Sprintf("%d consecutive empty runs", m.EmptyStreak),
			"broaden the query or lower the run frequency")
	case m.EmptyStreak >= 3:
		penalize(10, fmt.Sprintf("%d consecutive empty runs", m.EmptyStreak),
			"watch the target for further empty runs")
	}

	rate := successRate(m)
	switch {
	case rate < 0.1:
		penalize(30, fmt.Sprintf("success rate %.0f%%", rate*100),
			"rotate to a different account or re-sync the session")
	case rate < 0.3:
		penalize(20, fmt.Sprintf("success rate %.0f%%", rate*100),
			"check session health for the harvesting account")
	case rate < 0.5:
		penalize(10, fmt.Sprintf("success rate %.0f%%", rate*100),
			"review recent failures for a common cause")
	}

	if m.RunsWithResults >= 3 && m.AvgFetched < 2 {
		penalize(10, fmt.Sprintf("low yield: %.1f posts per run", m.AvgFetched),
			"raise max posts per run or refine the query")
	}

	if age, ok := sinceLastNonEmpty(m, now); !ok || age > 48*time.Hour {
		penalize(15, "no results in over 48h", "confirm the source is still active")
	} else if age > 24*time.Hour {
		penalize(5, "no results in over 24h", "monitor the target over the next day")
	}

	a.Score = clampScore(score)
	a.Status = StatusForScore(a.Score)
	return a
}

// StatusForScore classifies a score.
func StatusForScore(score int) harvest.QualityStatus {
	switch {
	case score >= healthyThreshold:
		return harvest.QualityHealthy
	case score >= degradedThreshold:
		return harvest.QualityDegraded
	default:
		return harvest.QualityUnstable
	}
}

// Cadence is the scheduling adjustment derived from an assessment.
type Cadence struct {
	Reduce     bool    `json:"reduce"`
	Multiplier float64 `json:"multiplier"`
	Reason     string  `json:"reason,omitempty"`
}

// ShouldReduceFrequency returns the interval multiplier the scheduler applies
// to a target. The most severe applicable factor wins.
func ShouldReduceFrequency(m harvest.QualityMetrics, a Assessment) Cadence {
	c := Cadence{Multiplier: 1.0}
	apply := func(mult float64, reason string) {
		if mult < c.Multiplier {
			c.Multiplier = mult
			c.Reason = reason
			c.Reduce = true
		}
	}
	if a.Status == harvest.QualityUnstable {
		apply(0.3, "quality unstable")
	}
	if m.EmptyStreak >= 5 {
		apply(0.5, "empty streak")
	}
	if m.RunsTotal > 0 && successRate(m) < 0.3 {
		apply(0.7, "low success rate")
	}
	return c
}

// Record folds one finished run into the metrics and re-assesses them.
func Record(m harvest.QualityMetrics, fetched int, now time.Time) (harvest.QualityMetrics, Assessment) {
	total := m.AvgFetched * float64(m.RunsTotal)
	m.RunsTotal++
	m.AvgFetched = (total + float64(fetched)) / float64(m.RunsTotal)
	if fetched > 0 {
		m.RunsWithResults++
		m.EmptyStreak = 0
		at := now
		m.LastNonEmptyAt = &at
	} else {
		m.EmptyStreak++
		if m.EmptyStreak > m.MaxEmptyStreak {
			m.MaxEmptyStreak = m.EmptyStreak
		}
	}

	a := Assess(m, now)
	if a.Status == harvest.QualityHealthy {
		m.DegradedSince = nil
	} else if m.DegradedSince == nil {
		at := now
		m.DegradedSince = &at
	}
	m.QualityStatus = a.Status
	m.QualityScore = a.Score
	m.UpdatedAt = now
	return m, a
}

func successRate(m harvest.QualityMetrics) float64 {
	if m.RunsTotal == 0 {
		return 0
	}
	return float64(m.RunsWithResults) / float64(m.RunsTotal)
}

func sinceLastNonEmpty(m harvest.QualityMetrics, now time.Time) (time.Duration, bool) {
	if m.LastNonEmptyAt == nil {
		return 0, false
	}
	return now.Sub(*m.LastNonEmptyAt), true
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
