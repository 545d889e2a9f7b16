package scheduler

import (
	"context"
	"fmt"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// Instances aggregates the state of the harvesting account pool.
type Instances struct {
	Total       int `json:"total"`
	Disabled    int `json:"disabled"`
	RateLimited int `json:"rate_limited"`
	CoolingDown int `json:"cooling_down"`
}

// Diagnosis explains whether work can be dispatched right now.
type Diagnosis struct {
	Dispatchable bool                       `json:"dispatchable"`
	Reason       string                     `json:"reason,omitempty"`
	Instances    Instances                  `json:"instances"`
	Tasks        map[harvest.TaskStatus]int `json:"tasks"`
}

// Explain produces the specific reason nothing can be dispatched, or an
// empty string when at least one instance can take a pending task.
func Explain(in Instances, pending int) string {
	enabled := in.Total - in.Disabled
	switch {
	case in.Total == 0:
		return "no instances configured"
	case enabled <= 0:
		return fmt.Sprintf("all %d instances disabled", in.Total)
	case in.RateLimited >= enabled:
		return fmt.Sprintf("all %d enabled instances rate-limited", enabled)
	case in.RateLimited+in.CoolingDown >= enabled:
		return fmt.Sprintf("%d of %d enabled instances in cooldown", in.RateLimited+in.CoolingDown, enabled)
	case pending == 0:
		return "no pending tasks"
	}
	return ""
}

// RateProbe reports whether an account's pacing budget is exhausted.
type RateProbe interface {
	Saturated(accountID string) bool
}

// Diagnoser gathers the aggregate counts behind a Diagnosis.
type Diagnoser struct {
	accounts  harvest.AccountStore
	tasks     harvest.TaskStore
	cooldowns Cooldowns
	limiter   RateProbe
}

// NewDiagnoser builds a Diagnoser. The limiter may be nil.
func NewDiagnoser(accounts harvest.AccountStore, tasks harvest.TaskStore, cooldowns Cooldowns, limiter RateProbe) *Diagnoser {
	return &Diagnoser{accounts: accounts, tasks: tasks, cooldowns: cooldowns, limiter: limiter}
}

// Diagnose inspects every account and the task queue.
func (d *Diagnoser) Diagnose(ctx context.Context) (Diagnosis, error) {
	accounts, err := d.accounts.ListAccounts(ctx, "")
	if err != nil {
		return Diagnosis{}, fmt.Errorf("list accounts: %w", err)
	}
	reasons := map[string]harvest.CooldownReason{}
	if d.cooldowns != nil {
		active, err := d.cooldowns.ListActive(ctx, harvest.EntityAccount)
		if err != nil {
			return Diagnosis{}, err
		}
		for _, c := range active {
			reasons[c.Entity.ID] = c.Reason
		}
	}

	var in Instances
	for _, a := range accounts {
		in.Total++
		if !a.Enabled {
			in.Disabled++
			continue
		}
		reason, cooling := reasons[a.ID]
		switch {
		case cooling && reason == harvest.ReasonRateLimit:
			in.RateLimited++
		case cooling:
			in.CoolingDown++
		case d.limiter != nil && d.limiter.Saturated(a.ID):
			in.RateLimited++
		}
	}

	counts, err := d.tasks.CountByStatus(ctx)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("count tasks: %w", err)
	}
	reason := Explain(in, counts[harvest.TaskPending])
	return Diagnosis{
		Dispatchable: reason == "",
		Reason:       reason,
		Instances:    in,
		Tasks:        counts,
	}, nil
}
