// Package models defines the shared data types for the mayor orchestrator.
package models

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// BeadStatus represents the lifecycle status of a bead
type BeadStatus string

const (
	BeadStatusPending     BeadStatus = "pending"
	BeadStatusInProgress  BeadStatus = "in_progress"
	BeadStatusPassing     BeadStatus = "passing"
	BeadStatusSkipped     BeadStatus = "skipped"
	BeadStatusNeedsReview BeadStatus = "needs_review"
)

// ValidBeadStatuses lists every status a bead file may carry, in display order.
var ValidBeadStatuses = []BeadStatus{
	BeadStatusPending,
	BeadStatusInProgress,
	BeadStatusPassing,
	BeadStatusSkipped,
	BeadStatusNeedsReview,
}

// Valid reports whether s is one of the recognized statuses.
func (s BeadStatus) Valid() bool {
	for _, v := range ValidBeadStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Bead is a git-backed unit of work. One bead serializes to one YAML file
// under the store's beads directory; every mutation is a commit.
type Bead struct {
	ID                 string                 `json:"id" yaml:"id"`
	Name               string                 `json:"name" yaml:"name"`
	Description        string                 `json:"description" yaml:"description"`
	TestCases          []string               `json:"test_cases" yaml:"test_cases"`
	Status             BeadStatus             `json:"status" yaml:"status"`
	Priority           int                    `json:"priority" yaml:"priority"`
	VerificationStatus string                 `json:"verification_status" yaml:"verification_status"`
	VerificationNotes  string                 `json:"verification_notes" yaml:"verification_notes"`
	QualityState       map[string]interface{} `json:"quality_state,omitempty" yaml:"quality_state,omitempty"`
	CreatedAt          time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at" yaml:"updated_at"`
	ConvoyID           string                 `json:"convoy_id,omitempty" yaml:"convoy_id,omitempty"`
	AssignedTo         string                 `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	GitCommit          string                 `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`

	// Extra holds keys found in the bead file that this version of mayor
	// does not understand. They round-trip verbatim so a newer writer can
	// share a store with an older reader.
	Extra map[string]interface{} `json:"-" yaml:"-"`
}

// beadKnownKeys is the set of YAML keys owned by the Bead struct itself.
var beadKnownKeys = map[string]bool{
	"id": true, "name": true, "description": true, "test_cases": true,
	"status": true, "priority": true, "verification_status": true,
	"verification_notes": true, "quality_state": true, "created_at": true,
	"updated_at": true, "convoy_id": true, "assigned_to": true, "git_commit": true,
}

// beadAlias avoids recursing into Bead's own UnmarshalYAML.
type beadAlias Bead

// UnmarshalYAML decodes the known fields and stashes unknown keys in Extra.
func (b *Bead) UnmarshalYAML(node *yaml.Node) error {
	var alias beadAlias
	if err := node.Decode(&alias); err != nil {
		return err
	}

	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for key := range raw {
		if beadKnownKeys[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*b = Bead(alias)
	return nil
}

// MarshalYAML writes fields in a stable, human-friendly order and appends
// any preserved unknown keys at the end, sorted by name.
func (b Bead) MarshalYAML() (interface{}, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}

	appendKV(doc, "id", b.ID)
	appendKV(doc, "name", b.Name)
	appendKV(doc, "description", b.Description)
	appendKV(doc, "test_cases", b.TestCases)
	appendKV(doc, "status", string(b.Status))
	appendKV(doc, "priority", b.Priority)
	appendKV(doc, "verification_status", b.VerificationStatus)
	appendKV(doc, "verification_notes", b.VerificationNotes)
	if b.QualityState != nil {
		appendKV(doc, "quality_state", b.QualityState)
	}
	appendKV(doc, "created_at", b.CreatedAt.Format(time.RFC3339Nano))
	appendKV(doc, "updated_at", b.UpdatedAt.Format(time.RFC3339Nano))
	if b.ConvoyID != "" {
		appendKV(doc, "convoy_id", b.ConvoyID)
	}
	if b.AssignedTo != "" {
		appendKV(doc, "assigned_to", b.AssignedTo)
	}
	if b.GitCommit != "" {
		appendKV(doc, "git_commit", b.GitCommit)
	}

	extraKeys := make([]string, 0, len(b.Extra))
	for key := range b.Extra {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		appendKV(doc, key, b.Extra[key])
	}

	return doc, nil
}

func appendKV(doc *yaml.Node, key string, value interface{}) {
	keyNode := &yaml.Node{}
	if err := keyNode.Encode(key); err != nil {
		return
	}
	valNode := &yaml.Node{}
	if err := valNode.Encode(value); err != nil {
		return
	}
	doc.Content = append(doc.Content, keyNode, valNode)
}

// Convoy groups related beads that travel together. Convoys live in the
// store next to beads but are mutated far less often.
type Convoy struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	BeadIDs    []string  `json:"bead_ids" yaml:"bead_ids"`
	Status     string    `json:"status" yaml:"status"` // pending, in_progress, complete
	AssignedTo string    `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// Stage is the coarse phase of an in-flight task, inferred from worker output.
type Stage string

const (
	StageStarting     Stage = "starting"
	StageAnalyzing    Stage = "analyzing"
	StagePlanning     Stage = "planning"
	StageImplementing Stage = "implementing"
	StageTesting      Stage = "testing"
	StageReviewing    Stage = "reviewing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

var stagePercent = map[Stage]int{
	StageStarting:     5,
	StageAnalyzing:    15,
	StagePlanning:     30,
	StageImplementing: 60,
	StageTesting:      80,
	StageReviewing:    90,
	StageCompleted:    100,
	StageFailed:       0,
}

// Percent returns the fixed completion percentage for the stage.
func (s Stage) Percent() int {
	return stagePercent[s]
}

// Terminal reports whether the stage ends a task's lifecycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// TaskProgress is the in-memory progress record for one in-flight task.
// It lives only inside the supervising process and is lost on crash.
type TaskProgress struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Percent   int       `json:"percent"`
	Retro     string    `json:"retro,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentRegistration is a transient record for a live worker process.
type AgentRegistration struct {
	AgentID    string    `json:"agent_id"`
	TaskID     string    `json:"task_id"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	LastOutput time.Time `json:"last_output"`
}

// StoreStats summarizes the bead store by status.
type StoreStats struct {
	Total           int     `json:"total"`
	Passing         int     `json:"passing"`
	Pending         int     `json:"pending"`
	InProgress      int     `json:"in_progress"`
	Skipped         int     `json:"skipped"`
	NeedsReview     int     `json:"needs_review"`
	ProgressPercent float64 `json:"progress_percent"`
}

// String renders stats in the "3/10 passing (30.0%)" form used by the CLI.
func (s StoreStats) String() string {
	return fmt.Sprintf("%d/%d passing (%.1f%%)", s.Passing, s.Total, s.ProgressPercent)
}
