// Package supervisor runs one bead end to end: claim it, hand a prompt to
// an external worker, watch the worker's output for progress and trouble,
// and put the bead where it belongs when the worker stops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beadworks/mayor/internal/agent"
	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/metrics"
	"github.com/beadworks/mayor/internal/notify"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/internal/retry"
	"github.com/beadworks/mayor/pkg/config"
	"github.com/beadworks/mayor/pkg/models"
)

// Outcome classifies how a supervised run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeIdle      Outcome = "idle"
)

// Observation cadences. Output is processed on every line; these bound
// how often the derived signals are recomputed or re-emitted.
const (
	stageInterval   = 3 * time.Second
	memoryInterval  = 30 * time.Second
	snippetInterval = 10 * time.Second
)

// memoryWarnFraction of the configured cap triggers a health warning.
const memoryWarnFraction = 0.875

// transcriptKeep bounds the retained transcript tail.
const transcriptKeep = 200

// Board is the slice of the bead store the supervisor mutates.
type Board interface {
	Claim(id, agentID string) (*models.Bead, error)
	Move(id string, status models.BeadStatus) (*models.Bead, error)
	Release(id, holderID string) (*models.Bead, error)
}

// Supervisor drives worker runs over beads.
type Supervisor struct {
	board    Board
	driver   *agent.Driver
	registry *registry.Registry
	tracker  *progress.Tracker
	retries  *retry.Controller
	bus      *eventbus.Bus
	sink     *notify.Sink
	cfg      config.AgentConfig

	promptDir string
}

// New wires a supervisor. Any of tracker, bus and sink may be nil.
func New(board Board, driver *agent.Driver, reg *registry.Registry,
	tracker *progress.Tracker, retries *retry.Controller,
	bus *eventbus.Bus, sink *notify.Sink, cfg config.AgentConfig) *Supervisor {
	return &Supervisor{
		board:     board,
		driver:    driver,
		registry:  reg,
		tracker:   tracker,
		retries:   retries,
		bus:       bus,
		sink:      sink,
		cfg:       cfg,
		promptDir: os.TempDir(),
	}
}

// Run supervises one worker attempt on the bead. The bead ends passing,
// pending (awaiting retry), or needs_review; it never stays in_progress
// past this call unless the process crashes, in which case the claim lock
// expiry recovers it.
func (s *Supervisor) Run(ctx context.Context, bead *models.Bead) (Outcome, error) {
	agentID := "mayor-" + uuid.NewString()[:8]

	claimed, err := s.board.Claim(bead.ID, agentID)
	if errors.Is(err, beads.ErrBeadLocked) {
		log.Printf("[Supervisor] %s is claimed elsewhere, staying idle", bead.ID)
		return OutcomeIdle, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	s.emit(eventbus.EventTaskMoved, map[string]string{"id": claimed.ID, "status": string(claimed.Status)})
	s.emit(eventbus.EventBoardUpdate, nil)

	promptFile := filepath.Join(s.promptDir, fmt.Sprintf("mayor-prompt-%s-%s.md", bead.ID, agentID))
	if err := os.WriteFile(promptFile, []byte(BuildPrompt(claimed, s.cfg.PromptMaxBytes)), 0o644); err != nil {
		s.board.Release(bead.ID, agentID)
		return OutcomeFailed, fmt.Errorf("write prompt: %w", err)
	}
	defer os.Remove(promptFile)

	started := time.Now()

	proc, err := s.driver.Start(promptFile)
	if err != nil {
		s.board.Release(bead.ID, agentID)
		s.failRetryOrPark(bead, agentID, "launch failed: "+err.Error(), false)
		return OutcomeFailed, err
	}

	s.registry.Register(agentID, bead.ID, proc.PID(), proc)
	defer s.registry.Unregister(agentID)

	if s.tracker != nil {
		s.tracker.Start(bead.ID, bead.Name)
	}

	outcome, transcript, blockedReason := s.observe(ctx, agentID, bead.ID, proc)

	metrics.WorkerDuration.Observe(time.Since(started).Seconds())
	metrics.SupervisorRuns.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case OutcomeCompleted:
		s.complete(bead, transcript)
	case OutcomeBlocked:
		s.block(bead, blockedReason)
	case OutcomeTimeout:
		s.failRetryOrPark(bead, agentID, "worker hit the wall-clock limit", true)
	case OutcomeCancelled:
		s.board.Release(bead.ID, agentID)
		if s.tracker != nil {
			s.tracker.Remove(bead.ID)
		}
	default:
		s.failRetryOrPark(bead, agentID, "worker exited with an error", true)
	}
	s.emit(eventbus.EventBoardUpdate, nil)
	return outcome, nil
}

// observe consumes worker output until exit, timeout or cancellation.
func (s *Supervisor) observe(ctx context.Context, agentID, taskID string, proc *agent.Process) (Outcome, []string, string) {
	timeout := s.cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var transcript []string
	var lastStage, lastMemory, lastSnippet time.Time
	var lastDetected models.Stage
	sawComplete := false
	blockedReason := ""

	lines := proc.Lines()
	for lines != nil {
		select {
		case <-ctx.Done():
			proc.Kill()
			proc.Wait(5 * time.Second)
			return OutcomeCancelled, transcript, ""

		case <-deadline.C:
			log.Printf("[Supervisor] %s exceeded %s, killing worker", taskID, timeout)
			proc.Kill()
			proc.Wait(5 * time.Second)
			return OutcomeTimeout, transcript, ""

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			s.registry.Heartbeat(agentID)

			transcript = append(transcript, line)
			if len(transcript) > transcriptKeep {
				transcript = transcript[len(transcript)-transcriptKeep:]
			}

			if strings.Contains(line, CompleteMarker) {
				sawComplete = true
			}
			if idx := strings.Index(line, BlockedMarkerPrefix); idx >= 0 {
				blockedReason = strings.TrimSpace(line[idx+len(BlockedMarkerPrefix):])
			}

			s.emit(eventbus.EventWorkerOutput, map[string]string{
				"agent_id": agentID,
				"task_id":  taskID,
				"line":     line,
			})

			now := time.Now()
			if s.tracker != nil && now.Sub(lastStage) >= stageInterval {
				if stage := progress.DetectStage(line); stage != "" && stage != lastDetected {
					s.tracker.Update(taskID, stage, line)
					lastDetected = stage
				}
				lastStage = now
			}
			if now.Sub(lastSnippet) >= snippetInterval {
				s.emit(eventbus.EventChatStream, map[string]string{
					"agent_id": agentID,
					"task_id":  taskID,
					"snippet":  line,
				})
				lastSnippet = now
			}
			if now.Sub(lastMemory) >= memoryInterval {
				s.sampleMemory(taskID, proc.PID())
				lastMemory = now
			}
		}
	}

	code, err := proc.Wait(timeout)
	if err != nil {
		proc.Kill()
		return OutcomeTimeout, transcript, ""
	}

	if blockedReason != "" {
		return OutcomeBlocked, transcript, blockedReason
	}
	if code == 0 || sawComplete {
		return OutcomeCompleted, transcript, ""
	}
	return OutcomeFailed, transcript, ""
}

// sampleMemory checks the worker RSS against the configured cap and warns
// at 87.5% of it.
func (s *Supervisor) sampleMemory(taskID string, pid int) {
	if s.cfg.MemoryLimitGB <= 0 {
		return
	}
	rss, err := agent.RSSBytes(pid)
	if err != nil || rss == 0 {
		return
	}
	limit := uint64(s.cfg.MemoryLimitGB) << 30
	if float64(rss) >= float64(limit)*memoryWarnFraction {
		log.Printf("[Supervisor] %s worker memory high: %d MB of %d GB cap",
			taskID, rss>>20, s.cfg.MemoryLimitGB)
		s.emit(eventbus.EventSystemHealth, map[string]interface{}{
			"task_id":   taskID,
			"rss_bytes": rss,
			"cap_bytes": limit,
			"level":     "warning",
		})
	}
}

func (s *Supervisor) complete(bead *models.Bead, transcript []string) {
	moved, err := s.board.Move(bead.ID, models.BeadStatusPassing)
	if err != nil {
		log.Printf("[Supervisor] move %s to passing: %v", bead.ID, err)
		return
	}
	s.retries.Reset(bead.ID)

	retro := BuildRetro(transcript)
	if s.tracker != nil {
		if retro != "" {
			s.tracker.SetRetro(bead.ID, retro)
		}
		s.tracker.Update(bead.ID, models.StageCompleted, "")
	}
	s.emit(eventbus.EventWorkerDone, map[string]interface{}{"task_id": bead.ID, "exit_code": 0})
	s.emit(eventbus.EventTaskMoved, map[string]string{"id": moved.ID, "status": string(moved.Status)})
	if retro == "" {
		retro = "Worker finished cleanly."
	}
	s.notify("✅", bead.Name, retro)
}

func (s *Supervisor) block(bead *models.Bead, reason string) {
	if _, err := s.board.Move(bead.ID, models.BeadStatusNeedsReview); err != nil {
		log.Printf("[Supervisor] move %s to needs_review: %v", bead.ID, err)
	}
	if s.tracker != nil {
		s.tracker.Fail(bead.ID, "blocked: "+reason)
	}
	s.emit(eventbus.EventWorkerError, map[string]string{"task_id": bead.ID, "reason": reason})
	s.notify("\U0001F6A7", bead.Name, "Blocked: "+reason)
}

// failRetryOrPark releases the bead and queues a retry. With the budget
// exhausted the bead stays pending on the board but is no longer
// scheduled; only an operator (or a restart) revives it.
func (s *Supervisor) failRetryOrPark(bead *models.Bead, agentID, reason string, release bool) {
	if release {
		if _, err := s.board.Release(bead.ID, agentID); err != nil {
			log.Printf("[Supervisor] release %s: %v", bead.ID, err)
		}
	}
	if err := s.retries.Enqueue(bead.ID); err != nil {
		log.Printf("[Supervisor] %s: %v, leaving on the board for an operator", bead.ID, err)
	} else {
		metrics.RetriesQueued.Inc()
	}

	if s.tracker != nil {
		s.tracker.Fail(bead.ID, reason)
	}
	s.emit(eventbus.EventWorkerError, map[string]string{"task_id": bead.ID, "reason": reason})
	s.notify("❌", bead.Name,
		fmt.Sprintf("Failed: %s (attempt %d)", reason, s.retries.Attempts(bead.ID)))
}

func (s *Supervisor) emit(eventType string, data interface{}) {
	if s.bus != nil {
		s.bus.Emit(eventType, data)
	}
}

func (s *Supervisor) notify(emoji, taskName, message string) {
	if s.sink == nil || !s.sink.Enabled() {
		return
	}
	metrics.NotificationsSent.Inc()
	go s.sink.SendTask(emoji, taskName, message)
}
