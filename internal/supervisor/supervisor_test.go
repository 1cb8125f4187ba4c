package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadworks/mayor/internal/agent"
	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/internal/retry"
	"github.com/beadworks/mayor/pkg/config"
	"github.com/beadworks/mayor/pkg/models"
)

// fakeBoard records store mutations in memory.
type fakeBoard struct {
	mu       sync.Mutex
	statuses map[string]models.BeadStatus
	released []string
}

func newFakeBoard(ids ...string) *fakeBoard {
	b := &fakeBoard{statuses: make(map[string]models.BeadStatus)}
	for _, id := range ids {
		b.statuses[id] = models.BeadStatusPending
	}
	return b
}

func (b *fakeBoard) Claim(id, agentID string) (*models.Bead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = models.BeadStatusInProgress
	return &models.Bead{ID: id, Name: "test bead", Status: models.BeadStatusInProgress, AssignedTo: agentID}, nil
}

func (b *fakeBoard) Move(id string, status models.BeadStatus) (*models.Bead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = status
	return &models.Bead{ID: id, Name: "test bead", Status: status}, nil
}

func (b *fakeBoard) Release(id, holderID string) (*models.Bead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = models.BeadStatusPending
	b.released = append(b.released, id)
	return &models.Bead{ID: id, Status: models.BeadStatusPending}, nil
}

func (b *fakeBoard) status(id string) models.BeadStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses[id]
}

func newTestSupervisor(t *testing.T, board Board, retries *retry.Controller, script string) *Supervisor {
	t.Helper()
	cfg := config.AgentConfig{
		CommandTemplate: []string{"sh", "-c", script},
		WorkDir:         t.TempDir(),
		TimeoutMinutes:  1,
		MaxRetries:      3,
		PromptMaxBytes:  32 * 1024,
	}
	s := New(board, agent.NewDriver(cfg), registry.New(),
		progress.NewTracker(nil), retries, nil, nil, cfg)
	s.promptDir = t.TempDir()
	return s
}

func TestRunCompletedMovesToPassing(t *testing.T) {
	board := newFakeBoard("bead-001")
	retries := retry.NewController(3)
	s := newTestSupervisor(t, board, retries, "echo Implementing the feature; echo FEATURE_COMPLETE")

	outcome, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, models.BeadStatusPassing, board.status("bead-001"))
	assert.Equal(t, 0, retries.Attempts("bead-001"), "success resets the attempt count")
	assert.Equal(t, 0, s.registry.Len(), "worker must be unregistered after the run")
}

func TestRunFailureReleasesAndQueuesRetry(t *testing.T) {
	board := newFakeBoard("bead-001")
	retries := retry.NewController(3)
	s := newTestSupervisor(t, board, retries, "echo error: tests failing; exit 1")

	outcome, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, models.BeadStatusPending, board.status("bead-001"))
	assert.Contains(t, board.released, "bead-001")

	id, ok := retries.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "bead-001", id)
	assert.Equal(t, 1, retries.Attempts("bead-001"))
}

func TestRunBlockedParksForReview(t *testing.T) {
	board := newFakeBoard("bead-001")
	s := newTestSupervisor(t, board, retry.NewController(3),
		"echo 'FEATURE_BLOCKED: missing credentials'; exit 1")

	outcome, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, outcome)
	assert.Equal(t, models.BeadStatusNeedsReview, board.status("bead-001"))
}

func TestRunExhaustedRetriesLeavesBeadPending(t *testing.T) {
	board := newFakeBoard("bead-001")
	retries := retry.NewController(1)
	// The single retry was already spent on an earlier failure.
	require.NoError(t, retries.Enqueue("bead-001"))
	retries.Dequeue()
	s := newTestSupervisor(t, board, retries, "exit 1")

	outcome, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	// The bead stays on the board; the scheduler bypasses it via CanRetry.
	assert.Equal(t, models.BeadStatusPending, board.status("bead-001"))
	assert.Equal(t, 0, retries.QueueLen())
	assert.False(t, retries.CanRetry("bead-001"))
}

func TestRunCancelled(t *testing.T) {
	board := newFakeBoard("bead-001")
	s := newTestSupervisor(t, board, retry.NewController(3), "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	outcome, err := s.Run(ctx, &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, models.BeadStatusPending, board.status("bead-001"))
}

type lockedBoard struct{ *fakeBoard }

func (b *lockedBoard) Claim(id, agentID string) (*models.Bead, error) {
	return nil, beads.ErrBeadLocked
}

func TestRunClaimContentionIsIdle(t *testing.T) {
	board := &lockedBoard{fakeBoard: newFakeBoard("bead-001")}
	retries := retry.NewController(3)
	s := newTestSupervisor(t, board, retries, "echo never runs")

	outcome, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Equal(t, 0, retries.Attempts("bead-001"), "a contended claim must not burn an attempt")
}

func TestRunEmitsWorkerOutputPerLine(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	stream := bus.SubscribeStream(eventbus.EventWorkerOutput)
	defer stream.Close()

	board := newFakeBoard("bead-001")
	s := newTestSupervisor(t, board, retry.NewController(3), "echo one; echo two; echo FEATURE_COMPLETE")
	s.bus = bus

	_, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)

	var lines []string
	for {
		ev, ok := stream.Next(time.Second)
		if !ok {
			break
		}
		if ev.Type != eventbus.EventWorkerOutput {
			continue
		}
		data := ev.Data.(map[string]string)
		assert.Equal(t, "bead-001", data["task_id"])
		assert.NotEmpty(t, data["agent_id"])
		lines = append(lines, data["line"])
		if len(lines) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"one", "two", "FEATURE_COMPLETE"}, lines)
}

func TestRunEmitsEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	stream := bus.SubscribeStream(eventbus.EventWorkerDone)
	defer stream.Close()

	board := newFakeBoard("bead-001")
	s := newTestSupervisor(t, board, retry.NewController(3), "echo FEATURE_COMPLETE")
	s.bus = bus

	_, err := s.Run(context.Background(), &models.Bead{ID: "bead-001", Name: "test bead"})
	require.NoError(t, err)

	ev, ok := stream.Next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, eventbus.EventWorkerDone, ev.Type)
}

func TestBuildPromptContainsBeadFields(t *testing.T) {
	b := &models.Bead{
		ID:          "bead-007",
		Name:        "wire the cache",
		Description: "hook the cache into the read path",
		TestCases:   []string{"cache hit returns stored value"},
	}
	p := BuildPrompt(b, 0)
	assert.Contains(t, p, "bead-007")
	assert.Contains(t, p, "wire the cache")
	assert.Contains(t, p, "hook the cache into the read path")
	assert.Contains(t, p, "cache hit returns stored value")
	assert.Contains(t, p, CompleteMarker)
	assert.Contains(t, p, BlockedMarkerPrefix)
}

func TestBuildPromptTruncatesLongDescription(t *testing.T) {
	long := make([]byte, 100*1024)
	for i := range long {
		long[i] = 'x'
	}
	b := &models.Bead{ID: "bead-001", Name: "big", Description: string(long)}

	p := BuildPrompt(b, 32*1024)
	assert.LessOrEqual(t, len(p), 32*1024)
	assert.Contains(t, p, "[description truncated]")
	assert.Contains(t, p, CompleteMarker, "reporting section must survive truncation")
}

func TestBuildRetro(t *testing.T) {
	transcript := []string{
		"reading files",
		"Created the new parser module",
		"some chatter",
		"All 14 tests passing",
		"Fixed a nil deref in the handler",
	}
	retro := BuildRetro(transcript)
	assert.Contains(t, retro, "Created the new parser module")
	assert.Contains(t, retro, "All 14 tests passing")
	assert.NotContains(t, retro, "Fixed a nil deref", "retro keeps at most two sentences")
}

func TestBuildRetroEmptyTranscript(t *testing.T) {
	assert.Equal(t, "", BuildRetro(nil))
}
