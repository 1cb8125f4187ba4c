// Package progress tracks the coarse stage of in-flight tasks and infers
// stages from worker output. All state is in-memory and owned by the
// supervising process; a crash simply loses it, and the watchdog recovers
// the underlying beads.
package progress

import (
	"log"
	"sync"
	"time"

	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/pkg/models"
)

// expireAfter is how long a terminal task record lingers before removal.
const expireAfter = 30 * time.Second

// Tracker holds the progress record of every in-flight task.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*models.TaskProgress
	bus   *eventbus.Bus

	now func() time.Time // overridable in tests
}

// NewTracker creates a tracker that publishes task:progress events on bus.
// bus may be nil, in which case no events are published.
func NewTracker(bus *eventbus.Bus) *Tracker {
	return &Tracker{
		tasks: make(map[string]*models.TaskProgress),
		bus:   bus,
		now:   time.Now,
	}
}

// Start registers a task at the starting stage.
func (t *Tracker) Start(taskID, name string) {
	now := t.now()
	t.mu.Lock()
	t.tasks[taskID] = &models.TaskProgress{
		TaskID:    taskID,
		Name:      name,
		Stage:     models.StageStarting,
		Percent:   models.StageStarting.Percent(),
		StartedAt: now,
		UpdatedAt: now,
	}
	rec := *t.tasks[taskID]
	t.mu.Unlock()

	t.emit(rec)
}

// Update moves a task to stage with an optional message. Updates on
// unknown tasks are ignored, and a non-terminal stage whose percent is
// below the current one is ignored too: percent only ever drops through
// Fail. Terminal stages schedule record expiry.
func (t *Tracker) Update(taskID string, stage models.Stage, message string) {
	t.mu.Lock()
	rec, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if !stage.Terminal() && stage.Percent() < rec.Percent {
		t.mu.Unlock()
		return
	}
	rec.Stage = stage
	rec.Percent = stage.Percent()
	if message != "" {
		rec.Message = message
	}
	rec.UpdatedAt = t.now()
	snapshot := *rec
	t.mu.Unlock()

	t.emit(snapshot)

	if stage.Terminal() {
		go t.expireLater(taskID, snapshot.UpdatedAt)
	}
}

// SetRetro attaches a retrospective summary to a task.
func (t *Tracker) SetRetro(taskID, retro string) {
	t.mu.Lock()
	if rec, ok := t.tasks[taskID]; ok {
		rec.Retro = retro
		rec.UpdatedAt = t.now()
	}
	t.mu.Unlock()
}

// Fail marks a task failed with an error message.
func (t *Tracker) Fail(taskID, errMsg string) {
	t.mu.Lock()
	rec, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.Stage = models.StageFailed
	rec.Percent = models.StageFailed.Percent()
	rec.Error = errMsg
	rec.UpdatedAt = t.now()
	snapshot := *rec
	t.mu.Unlock()

	t.emit(snapshot)
	go t.expireLater(taskID, snapshot.UpdatedAt)
}

// Get returns a copy of the task's progress record.
func (t *Tracker) Get(taskID string) (models.TaskProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.tasks[taskID]
	if !ok {
		return models.TaskProgress{}, false
	}
	return *rec, true
}

// All returns copies of every tracked task.
func (t *Tracker) All() []models.TaskProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.TaskProgress, 0, len(t.tasks))
	for _, rec := range t.tasks {
		out = append(out, *rec)
	}
	return out
}

// Remove drops a task record immediately.
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	delete(t.tasks, taskID)
	t.mu.Unlock()
}

// expireLater removes the record after the grace period, unless the task
// has been updated again in the meantime.
func (t *Tracker) expireLater(taskID string, asOf time.Time) {
	time.Sleep(expireAfter)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.tasks[taskID]
	if !ok {
		return
	}
	if rec.UpdatedAt.After(asOf) {
		return
	}
	delete(t.tasks, taskID)
	log.Printf("[Progress] expired terminal record for %s", taskID)
}

func (t *Tracker) emit(rec models.TaskProgress) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(eventbus.EventTaskProgress, rec)
}
