package timing

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// Context is the operating state a delay is computed for. It is never persisted.
type Context struct {
	QualityStatus    harvest.QualityStatus `json:"quality_status"`
	EmptyStreak      int                   `json:"empty_streak"`
	Scope            harvest.TaskScope     `json:"scope"`
	RecentErrorCount int                   `json:"recent_error_count"`
	HourOfDay        int                   `json:"hour_of_day"`
}

// DelayResult is the pause computed for one run.
type DelayResult struct {
	DelayMs         int64       `json:"delay_ms"`
	Profile         ProfileName `json:"profile"`
	NextAllowedTime time.Time   `json:"next_allowed_time"`
}

// ThrottleResult reports whether the per-minute cap has been hit.
type ThrottleResult struct {
	Throttled bool  `json:"throttled"`
	WaitMs    int64 `json:"wait_ms"`
}

// Strategy computes delays over a frozen profile table.
type Strategy struct {
	table Table
}

// New builds a Strategy. A zero table selects the embedded defaults.
func New(table Table) *Strategy {
	if table.profiles == nil {
		table = DefaultTable()
	}
	return &Strategy{table: table}
}

// Table exposes the profile table in use.
func (s *Strategy) Table() Table {
	return s.table
}

// SelectProfile picks a profile deterministically from the context.
func SelectProfile(c Context) ProfileName {
	switch {
	case c.QualityStatus == harvest.QualityUnstable || c.RecentErrorCount >= 5:
		return ProfileRecovery
	case c.QualityStatus == harvest.QualityDegraded || c.EmptyStreak >= 5 || c.RecentErrorCount >= 2:
		return ProfileCautious
	case c.Scope == harvest.ScopeSystem:
		return ProfileNormal
	case c.QualityStatus == harvest.QualityHealthy && c.EmptyStreak < 2:
		return ProfileAggressive
	default:
		return ProfileNormal
	}
}

// CalculateDelay samples a delay for the context. All randomness comes from rng.
func (s *Strategy) CalculateDelay(c Context, rng *rand.Rand, now time.Time) DelayResult {
	name := SelectProfile(c)
	p := s.table.MustGet(name)

	minD := float64(p.MinDelayMs)
	maxD := float64(p.MaxDelayMs)
	base := clamp(gaussian(rng, (minD+maxD)/2, (maxD-minD)/4), minD, maxD)

	jitter := (rng.Float64()*2 - 1) * p.JitterFactor
	delay := base * (1 + jitter)
	delay *= TimeOfDayModifier(c.HourOfDay)
	delay *= ErrorBackoffMultiplier(c.RecentErrorCount)
	delayMs := int64(math.Round(clamp(delay, minD, 2*maxD)))

	return DelayResult{
		DelayMs:         delayMs,
		Profile:         name,
		NextAllowedTime: now.Add(time.Duration(delayMs) * time.Millisecond),
	}
}

const throttleJitterMs = 2000

// MaxPacing bounds the pause a worker takes before a run: the largest delay
// any profile can sample (twice its max delay) plus a full throttle wait.
func (t Table) MaxPacing() time.Duration {
	var maxDelayMs int64
	for _, p := range t.profiles {
		maxDelayMs = max(maxDelayMs, 2*p.MaxDelayMs)
	}
	return time.Duration(maxDelayMs)*time.Millisecond + time.Minute + throttleJitterMs*time.Millisecond
}

// CheckThrottle compares the trailing-minute request count to the profile cap.
// When throttled, the wait runs to the next minute boundary plus up to 2s of jitter.
func (s *Strategy) CheckThrottle(name ProfileName, requestsLastMinute int, rng *rand.Rand, now time.Time) ThrottleResult {
	p := s.table.MustGet(name)
	if requestsLastMinute < p.MaxRequestsPerMinute {
		return ThrottleResult{}
	}
	boundary := now.Truncate(time.Minute).Add(time.Minute)
	wait := boundary.Sub(now).Milliseconds() + rng.Int64N(throttleJitterMs)
	return ThrottleResult{Throttled: true, WaitMs: wait}
}

// TimeOfDayModifier slows down during peak hours and speeds up overnight.
func TimeOfDayModifier(hour int) float64 {
	switch {
	case (hour >= 9 && hour < 11) || (hour >= 14 && hour < 16):
		return 1.5
	case hour >= 0 && hour < 6:
		return 0.8
	default:
		return 1.0
	}
}

// ErrorBackoffMultiplier scales delays by the number of recent errors.
func ErrorBackoffMultiplier(recentErrors int) float64 {
	switch {
	case recentErrors <= 0:
		return 1.0
	case recentErrors == 1:
		return 1.5
	case recentErrors == 2:
		return 2.0
	case recentErrors < 5:
		return 3.0
	default:
		return 5.0
	}
}

// gaussian draws one normal sample via the Box-Muller transform.
func gaussian(rng *rand.Rand, mean, stddev float64) float64 {
	u1 := 1 - rng.Float64() // (0,1]
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + z*stddev
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
