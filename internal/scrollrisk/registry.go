package scrollrisk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

// ErrExists is returned when a task already owns an engine.
var ErrExists = errors.New("scroll risk engine already exists")

// Registry owns the engines of in-flight tasks. One Registry is created per
// process and passed to the workers that need it.
type Registry struct {
	mu      sync.Mutex
	table   timing.Table
	engines map[string]*Engine
}

// NewRegistry builds a Registry using the given profile table.
func NewRegistry(table timing.Table) *Registry {
	return &Registry{table: table, engines: make(map[string]*Engine)}
}

// Create starts an engine for cfg.TaskID.
func (r *Registry) Create(cfg Config) (*Engine, error) {
	if cfg.TaskID == "" {
		return nil, errors.New("task id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[cfg.TaskID]; ok {
		return nil, fmt.Errorf("task %s: %w", cfg.TaskID, ErrExists)
	}
	e := newEngine(cfg, r.table)
	r.engines[cfg.TaskID] = e
	return e, nil
}

// Get returns the engine of a task.
func (r *Registry) Get(taskID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[taskID]
	return e, ok
}

// Dispose removes a task's engine.
func (r *Registry) Dispose(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, taskID)
}

// Snapshot returns the status of every live engine.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()
	out := make([]Status, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status())
	}
	return out
}
