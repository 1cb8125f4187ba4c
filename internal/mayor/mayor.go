// Package mayor is the orchestration facade tying the bead store, convoys
// and the event bus together. The API server and the CLI both talk to
// this layer rather than to the store directly.
package mayor

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/pkg/models"
)

// skipPenalty is subtracted from a bead's priority when it is skipped, so
// it sinks to the bottom of the board instead of vanishing.
const skipPenalty = 100

// BeadSpec describes one bead to create.
type BeadSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	TestCases   []string `json:"test_cases"`
	Priority    *int     `json:"priority,omitempty"`
}

// Mayor is the orchestration facade.
type Mayor struct {
	store   *beads.Store
	convoys *beads.ConvoyStore
	bus     *eventbus.Bus
}

// New wires the facade. convoys and bus may be nil.
func New(store *beads.Store, convoys *beads.ConvoyStore, bus *eventbus.Bus) *Mayor {
	return &Mayor{store: store, convoys: convoys, bus: bus}
}

// Store exposes the underlying bead store for components that need the
// claim/release primitives directly (the supervisor, the watchdog).
func (m *Mayor) Store() *beads.Store {
	return m.store
}

// CreateBead creates one bead and announces it on the bus.
func (m *Mayor) CreateBead(spec BeadSpec) (*models.Bead, error) {
	b := &models.Bead{
		Name:        spec.Name,
		Description: spec.Description,
		TestCases:   spec.TestCases,
	}
	if spec.Priority != nil {
		b.Priority = *spec.Priority
	}
	if err := m.store.Create(b); err != nil {
		return nil, err
	}
	m.emit(eventbus.EventTaskCreated, b)
	m.emit(eventbus.EventBoardUpdate, nil)
	return b, nil
}

// CreateBeadsBulk creates a batch of beads. Specs without an explicit
// priority get n-i, so the list order becomes the work order.
func (m *Mayor) CreateBeadsBulk(specs []BeadSpec) ([]*models.Bead, error) {
	n := len(specs)
	out := make([]*models.Bead, 0, n)
	for i, spec := range specs {
		if spec.Priority == nil {
			p := n - i
			spec.Priority = &p
		}
		b, err := m.CreateBead(spec)
		if err != nil {
			return out, fmt.Errorf("create bead %d (%s): %w", i, spec.Name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// GetNextBead picks and claims the next bead for agentID. nil with no
// error means the board is drained.
func (m *Mayor) GetNextBead(agentID string) (*models.Bead, error) {
	next, err := m.store.GetNext(agentID)
	if err != nil || next == nil {
		return nil, err
	}
	claimed, err := m.store.Claim(next.ID, agentID)
	if err != nil {
		return nil, err
	}
	m.emit(eventbus.EventTaskMoved, claimed)
	m.emit(eventbus.EventBoardUpdate, nil)
	return claimed, nil
}

// MarkBeadPassing records a completed bead, gated on the quality result.
// A failed check sends the bead to needs_review with the full result
// serialized into the verification notes instead of marking it passing.
func (m *Mayor) MarkBeadPassing(id string, quality map[string]interface{}) (*models.Bead, error) {
	// Drop any claim lock; a finished bead must not stay locked.
	if _, err := m.store.Release(id, ""); err != nil {
		return nil, err
	}
	b, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}

	if quality != nil {
		b.QualityState = quality
		if passed, ok := quality["passed"].(bool); ok && !passed {
			notes, _ := json.Marshal(quality)
			b.Status = models.BeadStatusNeedsReview
			b.VerificationStatus = "failed"
			b.VerificationNotes = string(notes)
			if err := m.store.Save(b); err != nil {
				return nil, err
			}
			log.Printf("[Mayor] %s failed quality gate, parked for review", id)
			m.emit(eventbus.EventTaskMoved, b)
			m.emit(eventbus.EventBoardUpdate, nil)
			return b, nil
		}
		b.VerificationStatus = "verified"
	}

	b.Status = models.BeadStatusPassing
	b.AssignedTo = ""
	if err := m.store.Save(b); err != nil {
		return nil, err
	}
	m.emit(eventbus.EventTaskMoved, b)
	m.emit(eventbus.EventBoardUpdate, nil)
	return b, nil
}

// SkipBead pushes a bead to the back of the queue: priority drops by the
// skip penalty and the bead returns to pending.
func (m *Mayor) SkipBead(id string) (*models.Bead, error) {
	// Release first so the claim lock does not outlive the skip.
	if _, err := m.store.Release(id, ""); err != nil {
		return nil, err
	}
	b, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	b.Priority -= skipPenalty
	b.Status = models.BeadStatusPending
	if err := m.store.Save(b); err != nil {
		return nil, err
	}
	m.emit(eventbus.EventTaskMoved, b)
	m.emit(eventbus.EventBoardUpdate, nil)
	return b, nil
}

// ReleaseBead force-clears a bead's claim regardless of holder and
// returns an in_progress bead to pending. The operator recovery path.
func (m *Mayor) ReleaseBead(id string) (*models.Bead, error) {
	b, err := m.store.Release(id, "")
	if err != nil {
		return nil, err
	}
	m.emit(eventbus.EventTaskMoved, b)
	m.emit(eventbus.EventBoardUpdate, nil)
	return b, nil
}

// MoveBead transitions a bead and announces the move.
func (m *Mayor) MoveBead(id string, status models.BeadStatus) (*models.Bead, error) {
	b, err := m.store.Move(id, status)
	if err != nil {
		return nil, err
	}
	m.emit(eventbus.EventTaskMoved, b)
	m.emit(eventbus.EventBoardUpdate, nil)
	return b, nil
}

// DeleteBead removes a bead and announces the deletion.
func (m *Mayor) DeleteBead(id string) error {
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.emit(eventbus.EventTaskDeleted, map[string]string{"id": id})
	m.emit(eventbus.EventBoardUpdate, nil)
	return nil
}

// GetBead loads one bead.
func (m *Mayor) GetBead(id string) (*models.Bead, error) {
	return m.store.Get(id)
}

// ListBeads loads every bead.
func (m *Mayor) ListBeads() ([]*models.Bead, error) {
	return m.store.List()
}

// Stats summarizes the board.
func (m *Mayor) Stats() (models.StoreStats, error) {
	return m.store.Stats()
}

// Board groups beads into kanban columns.
func (m *Mayor) Board() (map[string][]*models.Bead, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	board := map[string][]*models.Bead{
		"todo":        {},
		"in_progress": {},
		"review":      {},
		"done":        {},
	}
	for _, b := range all {
		switch b.Status {
		case models.BeadStatusPending:
			board["todo"] = append(board["todo"], b)
		case models.BeadStatusInProgress:
			board["in_progress"] = append(board["in_progress"], b)
		case models.BeadStatusNeedsReview:
			board["review"] = append(board["review"], b)
		case models.BeadStatusPassing, models.BeadStatusSkipped:
			board["done"] = append(board["done"], b)
		}
	}
	return board, nil
}

// CreateConvoy groups existing beads under a new convoy and stamps each
// member with the convoy id.
func (m *Mayor) CreateConvoy(name string, beadIDs []string) (*models.Convoy, error) {
	if m.convoys == nil {
		return nil, fmt.Errorf("convoy store not configured")
	}
	for _, id := range beadIDs {
		if _, err := m.store.Get(id); err != nil {
			return nil, err
		}
	}
	c, err := m.convoys.Create(name, beadIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range beadIDs {
		b, err := m.store.Get(id)
		if err != nil {
			continue
		}
		b.ConvoyID = c.ID
		if err := m.store.Save(b); err != nil {
			log.Printf("[Mayor] stamp convoy on %s: %v", id, err)
		}
	}
	m.emit(eventbus.EventBoardUpdate, nil)
	return c, nil
}

// ConvoyStatus recomputes a convoy's status from its members: complete
// when every bead is passing, in_progress when any is claimed or done,
// pending otherwise.
func (m *Mayor) ConvoyStatus(id string) (*models.Convoy, error) {
	if m.convoys == nil {
		return nil, fmt.Errorf("convoy store not configured")
	}
	c, err := m.convoys.Get(id)
	if err != nil {
		return nil, err
	}

	allPassing := len(c.BeadIDs) > 0
	anyActive := false
	for _, beadID := range c.BeadIDs {
		b, err := m.store.Get(beadID)
		if err != nil {
			allPassing = false
			continue
		}
		if b.Status != models.BeadStatusPassing {
			allPassing = false
		}
		if b.Status == models.BeadStatusInProgress || b.Status == models.BeadStatusPassing {
			anyActive = true
		}
	}

	status := "pending"
	switch {
	case allPassing:
		status = "complete"
	case anyActive:
		status = "in_progress"
	}
	if status != c.Status {
		return m.convoys.SetStatus(id, status, "")
	}
	return c, nil
}

func (m *Mayor) emit(eventType string, data interface{}) {
	if m.bus != nil {
		m.bus.Emit(eventType, data)
	}
}
