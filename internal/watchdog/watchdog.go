// Package watchdog periodically sweeps the agent registry and reclaims
// work from stalled workers: kill the process, release the bead, queue a
// retry, and tell the board what happened.
package watchdog

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/metrics"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/internal/retry"
	"github.com/beadworks/mayor/pkg/models"
)

// Releaser returns a claimed bead to the board.
type Releaser interface {
	Release(id, holderID string) (*models.Bead, error)
}

// Watchdog sweeps for stalled workers on a fixed cadence.
type Watchdog struct {
	registry *registry.Registry
	store    Releaser
	retries  *retry.Controller
	tracker  *progress.Tracker
	bus      *eventbus.Bus

	sweepInterval  time.Duration
	stallThreshold time.Duration

	onKill func(entry registry.Entry)

	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

// OnKill registers a callback invoked after each stalled worker is
// killed, before the bead is released. Set it before Start.
func (w *Watchdog) OnKill(fn func(entry registry.Entry)) {
	w.onKill = fn
}

// New creates a watchdog. store, retries, tracker and bus may each be nil
// when the corresponding follow-up action is not wanted.
func New(reg *registry.Registry, store Releaser, retries *retry.Controller,
	tracker *progress.Tracker, bus *eventbus.Bus,
	sweepInterval, stallThreshold time.Duration) *Watchdog {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if stallThreshold <= 0 {
		stallThreshold = 5 * time.Minute
	}
	return &Watchdog{
		registry:       reg,
		store:          store,
		retries:        retries,
		tracker:        tracker,
		bus:            bus,
		sweepInterval:  sweepInterval,
		stallThreshold: stallThreshold,
		stop:           make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start more than once is safe and
// starts a single loop.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		go w.loop()
		log.Printf("[Watchdog] started (sweep=%s stall=%s)", w.sweepInterval, w.stallThreshold)
	})
}

// Stop terminates the sweep loop.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

func (w *Watchdog) loop() {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep examines the registry once and reclaims every stalled worker.
// Exported so tests and operators can trigger it on demand.
func (w *Watchdog) Sweep() {
	for _, entry := range w.registry.Stalled(w.stallThreshold) {
		w.reclaim(entry)
	}
}

func (w *Watchdog) reclaim(entry registry.Entry) {
	log.Printf("[Watchdog] %s stalled on %s (no output for > %s), killing pid %d",
		entry.AgentID, entry.TaskID, w.stallThreshold, entry.PID)

	if entry.Handle != nil {
		if err := entry.Handle.Kill(); err != nil {
			log.Printf("[Watchdog] kill pid %d: %v", entry.PID, err)
		}
	}
	metrics.WatchdogKills.Inc()
	if w.onKill != nil {
		w.onKill(entry)
	}

	if w.store != nil {
		if _, err := w.store.Release(entry.TaskID, entry.AgentID); err != nil {
			log.Printf("[Watchdog] release %s: %v", entry.TaskID, err)
		}
	}

	if w.retries != nil {
		if err := w.retries.Enqueue(entry.TaskID); err != nil {
			if errors.Is(err, retry.ErrRetriesExhausted) {
				log.Printf("[Watchdog] %s has no retries left", entry.TaskID)
			} else {
				log.Printf("[Watchdog] enqueue %s: %v", entry.TaskID, err)
			}
		} else {
			metrics.RetriesQueued.Inc()
		}
	}

	if w.tracker != nil {
		w.tracker.Fail(entry.TaskID, "worker stalled")
	}
	if w.bus != nil {
		w.bus.Emit(eventbus.EventWorkerError, map[string]interface{}{
			"task_id":  entry.TaskID,
			"agent_id": entry.AgentID,
			"reason":   "stalled",
		})
		w.bus.Emit(eventbus.EventBoardUpdate, nil)
	}

	w.registry.Unregister(entry.AgentID)
}
