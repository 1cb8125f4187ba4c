// Package registry keeps the live table of running worker processes. The
// table is transient by design: it reflects processes owned by this
// supervisor and is rebuilt empty on restart.
package registry

import (
	"sync"
	"time"

	"github.com/beadworks/mayor/pkg/models"
)

// Killer is the subset of a worker handle the watchdog needs.
type Killer interface {
	Kill() error
}

// Entry pairs a registration record with the process handle.
type Entry struct {
	models.AgentRegistration
	Handle Killer
}

// Registry is the concurrent agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Entry
	now    func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*Entry),
		now:    time.Now,
	}
}

// Register adds a live worker to the table.
func (r *Registry) Register(agentID, taskID string, pid int, handle Killer) {
	now := r.now()
	r.mu.Lock()
	r.agents[agentID] = &Entry{
		AgentRegistration: models.AgentRegistration{
			AgentID:    agentID,
			TaskID:     taskID,
			PID:        pid,
			StartedAt:  now,
			LastOutput: now,
		},
		Handle: handle,
	}
	r.mu.Unlock()
}

// Heartbeat records worker output activity for agentID. Unknown agents
// are ignored.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	if e, ok := r.agents[agentID]; ok {
		e.LastOutput = r.now()
	}
	r.mu.Unlock()
}

// Unregister removes an agent from the table.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
}

// Get returns a copy of the entry for agentID.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all registered entries.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, *e)
	}
	return out
}

// Stalled returns entries whose last output is older than threshold.
func (r *Registry) Stalled(threshold time.Duration) []Entry {
	cutoff := r.now().Add(-threshold)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.agents {
		if e.LastOutput.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
