// Package beads implements the git-backed bead store. Every bead is one
// YAML file under the metadata directory and every mutation is a git
// commit, so the repository history is the audit log of the board.
package beads

import (
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beadworks/mayor/pkg/models"
)

// DefaultLockTimeout is how long a claim lock is honored before it is
// considered abandoned and eligible for lazy cleanup.
const DefaultLockTimeout = 30 * time.Minute

// maxNumericID bounds sequential id generation before the hash fallback.
const maxNumericID = 9999

// lockInfo is the YAML payload of a claim lock file.
type lockInfo struct {
	AgentID    string    `yaml:"agent_id"`
	AcquiredAt time.Time `yaml:"acquired_at"`
}

// Store is the git-backed bead store. All mutations are serialized by a
// store-wide mutex; the git history provides cross-process ordering.
type Store struct {
	mu          sync.Mutex
	repoPath    string
	dir         string // absolute metadata directory
	relDir      string // metadata directory relative to repoPath, for git
	prefix      string
	lockTimeout time.Duration
	git         *gitRunner

	now func() time.Time
}

// NewStore opens (or initializes) a store rooted at repoPath with bead
// files under metadataDir.
func NewStore(repoPath, metadataDir, idPrefix string, lockTimeout time.Duration) (*Store, error) {
	if idPrefix == "" {
		idPrefix = "bead"
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s := &Store{
		repoPath:    abs,
		dir:         filepath.Join(abs, metadataDir),
		relDir:      metadataDir,
		prefix:      idPrefix,
		lockTimeout: lockTimeout,
		git:         newGitRunner(abs),
		now:         time.Now,
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	// Keep the directory tracked even while empty.
	keep := filepath.Join(s.dir, ".gitkeep")
	if _, err := os.Stat(keep); os.IsNotExist(err) {
		if err := os.WriteFile(keep, nil, 0o644); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if err := s.git.ensureRepo(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the absolute metadata directory, for the fsnotify watcher.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) beadPath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".yaml")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".lock")
}

// sanitizeID keeps ids safe to use as filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
}

// Create persists a new bead. An empty id is filled from GenerateID and
// an empty status defaults to pending.
func (s *Store) Create(b *models.Bead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Status == "" {
		b.Status = models.BeadStatusPending
	}
	if !b.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, b.Status)
	}
	if b.ID == "" {
		id, err := s.generateIDLocked()
		if err != nil {
			return err
		}
		b.ID = id
	}
	now := s.now()
	b.CreatedAt = now
	b.UpdatedAt = now

	if err := s.writeBead(b); err != nil {
		return err
	}
	sha, err := s.git.commit(fmt.Sprintf("Create bead: %s (%s)", b.Name, b.Status), s.relDir)
	if err != nil {
		return err
	}
	b.GitCommit = sha
	return nil
}

// Save rewrites an existing bead and commits the change.
func (s *Store) Save(b *models.Bead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !b.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, b.Status)
	}
	if _, err := os.Stat(s.beadPath(b.ID)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrBeadNotFound, b.ID)
	}
	b.UpdatedAt = s.now()

	if err := s.writeBead(b); err != nil {
		return err
	}
	sha, err := s.git.commit(fmt.Sprintf("Update bead: %s (%s)", b.Name, b.Status), s.relDir)
	if err != nil {
		return err
	}
	b.GitCommit = sha
	return nil
}

// Get loads one bead by id.
func (s *Store) Get(id string) (*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBead(id)
}

// List loads every bead in the store.
func (s *Store) List() ([]*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Move transitions a bead to newStatus and commits
// "Move <name>: <old> -> <new>".
func (s *Store) Move(id string, newStatus models.BeadStatus) (*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}
	b, err := s.readBead(id)
	if err != nil {
		return nil, err
	}
	old := b.Status
	b.Status = newStatus
	b.UpdatedAt = s.now()
	if newStatus != models.BeadStatusInProgress {
		b.AssignedTo = ""
		os.Remove(s.lockPath(id))
	}

	if err := s.writeBead(b); err != nil {
		return nil, err
	}
	sha, err := s.git.commit(fmt.Sprintf("Move %s: %s -> %s", b.Name, old, newStatus), s.relDir)
	if err != nil {
		return nil, err
	}
	b.GitCommit = sha
	log.Printf("[BeadStore] moved %s: %s -> %s", id, old, newStatus)
	return b, nil
}

// Claim atomically takes a pending bead for agentID. The claim is a
// sibling lock file created with O_EXCL, committed together with the
// status flip so the repository records who holds what. An expired lock
// left by a dead agent is cleared lazily here.
func (s *Store) Claim(id, agentID string) (*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.readBead(id)
	if err != nil {
		return nil, err
	}

	if err := s.acquireLock(id, agentID); err != nil {
		return nil, err
	}

	switch b.Status {
	case models.BeadStatusPending, models.BeadStatusNeedsReview:
	case models.BeadStatusInProgress:
		// Holding the lock here means the previous holder's lock was
		// ours, absent, or expired: resume or take over the bead.
		if b.AssignedTo != agentID {
			log.Printf("[BeadStore] %s abandoned by %s, taken over by %s", id, b.AssignedTo, agentID)
		}
	default:
		os.Remove(s.lockPath(id))
		return nil, fmt.Errorf("%w: %s is %s", ErrBeadLocked, id, b.Status)
	}

	b.Status = models.BeadStatusInProgress
	b.AssignedTo = agentID
	b.UpdatedAt = s.now()

	if err := s.writeBead(b); err != nil {
		os.Remove(s.lockPath(id))
		return nil, err
	}
	sha, err := s.git.commit(fmt.Sprintf("Claim bead: %s (%s)", b.Name, b.Status), s.relDir)
	if err != nil {
		return nil, err
	}
	b.GitCommit = sha
	log.Printf("[BeadStore] %s claimed by %s", id, agentID)
	return b, nil
}

// acquireLock creates the claim lock with O_EXCL, clearing an expired
// lock first when present. Caller holds s.mu.
func (s *Store) acquireLock(id, agentID string) error {
	path := s.lockPath(id)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			data, merr := yaml.Marshal(lockInfo{AgentID: agentID, AcquiredAt: s.now()})
			if merr == nil {
				_, merr = f.Write(data)
			}
			f.Close()
			if merr != nil {
				os.Remove(path)
				return fmt.Errorf("%w: %v", ErrStorage, merr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}

		info, rerr := s.readLock(id)
		if rerr == nil {
			if info.AgentID == agentID {
				return nil // we already hold it
			}
			if s.now().Sub(info.AcquiredAt) < s.lockTimeout {
				return fmt.Errorf("%w: %s held by %s", ErrBeadLocked, id, info.AgentID)
			}
			log.Printf("[BeadStore] clearing expired lock on %s (held by %s)", id, info.AgentID)
		}
		// Unreadable or expired lock: remove and retry once.
		os.Remove(path)
	}
	return fmt.Errorf("%w: %s", ErrBeadLocked, id)
}

func (s *Store) readLock(id string) (*lockInfo, error) {
	data, err := os.ReadFile(s.lockPath(id))
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Release returns a bead to the board: an in_progress bead goes back to
// pending, the assignment is cleared, and the claim lock is removed.
// holderID guards against releasing someone else's claim: a mismatched
// holder is a no-op success, and an empty holderID forces the release
// (operator path). Releasing a bead that was never claimed is a no-op
// commit.
func (s *Store) Release(id, holderID string) (*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.readBead(id)
	if err != nil {
		return nil, err
	}

	if holderID != "" {
		info, lerr := s.readLock(id)
		if lerr == nil && info.AgentID != holderID &&
			s.now().Sub(info.AcquiredAt) < s.lockTimeout {
			return b, nil
		}
	}
	os.Remove(s.lockPath(id))

	if b.Status == models.BeadStatusInProgress {
		b.Status = models.BeadStatusPending
	}
	b.AssignedTo = ""
	b.UpdatedAt = s.now()

	if err := s.writeBead(b); err != nil {
		return nil, err
	}
	sha, err := s.git.commit(fmt.Sprintf("Release bead: %s (%s)", b.Name, b.Status), s.relDir)
	if err != nil {
		return nil, err
	}
	b.GitCommit = sha
	return b, nil
}

// IsLocked reports whether an unexpired claim lock exists for id.
func (s *Store) IsLocked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.readLock(id)
	if err != nil {
		return false
	}
	return s.now().Sub(info.AcquiredAt) < s.lockTimeout
}

// Delete removes a bead file (and any lock) from the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.beadPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrBeadNotFound, id)
	}
	name := id
	if b, err := s.readBead(id); err == nil {
		name = b.Name
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	os.Remove(s.lockPath(id))
	_, err := s.git.commit(fmt.Sprintf("Delete bead: %s", name), s.relDir)
	return err
}

// GetNext picks the next bead for agentID: first a bead already assigned
// to the agent (resume after crash), then needs_review, then pending,
// each group ordered by priority descending and id ascending. nil with
// no error means the board is drained.
func (s *Store) GetNext(agentID string) (*models.Bead, error) {
	return s.GetNextFiltered(agentID, nil)
}

// GetNextFiltered is GetNext restricted to beads accepted by eligible;
// a nil filter accepts everything. The agent's own in-flight bead is
// never filtered, so a crashed run can always resume.
func (s *Store) GetNextFiltered(agentID string, eligible func(*models.Bead) bool) (*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listLocked()
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].ID < all[j].ID
	})

	if agentID != "" {
		for _, b := range all {
			if b.Status == models.BeadStatusInProgress && b.AssignedTo == agentID {
				return b, nil
			}
		}
	}
	for _, status := range []models.BeadStatus{models.BeadStatusNeedsReview, models.BeadStatusPending} {
		for _, b := range all {
			if b.Status != status {
				continue
			}
			if s.lockedByOther(b.ID, agentID) {
				continue
			}
			if eligible != nil && !eligible(b) {
				continue
			}
			return b, nil
		}
	}
	return nil, nil
}

// lockedByOther reports whether an unexpired lock held by a different
// agent exists for id. Caller holds s.mu.
func (s *Store) lockedByOther(id, agentID string) bool {
	info, err := s.readLock(id)
	if err != nil {
		return false
	}
	if info.AgentID == agentID {
		return false
	}
	return s.now().Sub(info.AcquiredAt) < s.lockTimeout
}

// Stats summarizes the store by status.
func (s *Store) Stats() (models.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listLocked()
	if err != nil {
		return models.StoreStats{}, err
	}

	st := models.StoreStats{Total: len(all)}
	for _, b := range all {
		switch b.Status {
		case models.BeadStatusPassing:
			st.Passing++
		case models.BeadStatusPending:
			st.Pending++
		case models.BeadStatusInProgress:
			st.InProgress++
		case models.BeadStatusSkipped:
			st.Skipped++
		case models.BeadStatusNeedsReview:
			st.NeedsReview++
		}
	}
	if st.Total > 0 {
		st.ProgressPercent = float64(int(float64(st.Passing)/float64(st.Total)*1000+0.5)) / 10
	}
	return st, nil
}

// GenerateID returns the next unused sequential id (prefix-001, ...),
// falling back to a timestamp hash when the numeric space is exhausted.
func (s *Store) GenerateID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateIDLocked()
}

func (s *Store) generateIDLocked() (string, error) {
	for n := 1; n <= maxNumericID; n++ {
		id := fmt.Sprintf("%s-%03d", s.prefix, n)
		if _, err := os.Stat(s.beadPath(id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	sum := sha256.Sum256([]byte(s.now().Format(time.RFC3339Nano)))
	id := fmt.Sprintf("%s-%x", s.prefix, sum[:3])
	if _, err := os.Stat(s.beadPath(id)); err == nil {
		return "", ErrNoIDAvailable
	}
	return id, nil
}

func (s *Store) writeBead(b *models.Bead) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.WriteFile(s.beadPath(b.ID), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) readBead(id string) (*models.Bead, error) {
	data, err := os.ReadFile(s.beadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBeadNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var b models.Bead
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &b, nil
}

func (s *Store) listLocked() ([]*models.Bead, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var out []*models.Bead
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".yaml")
		b, err := s.readBead(id)
		if err != nil {
			log.Printf("[BeadStore] skipping unreadable bead file %s: %v", e.Name(), err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
