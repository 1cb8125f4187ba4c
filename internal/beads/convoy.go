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

// ConvoyStore manages convoy files next to the bead store. Convoys share
// the same git repository; their directory sits beside the beads dir.
type ConvoyStore struct {
	mu     sync.Mutex
	dir    string
	relDir string
	git    *gitRunner
	now    func() time.Time
}

// NewConvoyStore opens the convoy store inside an existing bead store's
// repository, with files under <metadata parent>/convoys.
func NewConvoyStore(store *Store) (*ConvoyStore, error) {
	relDir := filepath.Join(filepath.Dir(store.relDir), "convoys")
	cs := &ConvoyStore{
		dir:    filepath.Join(store.repoPath, relDir),
		relDir: relDir,
		git:    store.git,
		now:    time.Now,
	}
	if err := os.MkdirAll(cs.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return cs, nil
}

func (cs *ConvoyStore) path(id string) string {
	return filepath.Join(cs.dir, sanitizeID(id)+".yaml")
}

// generateID builds convoy-YYYYMMDDHHMMSS-xxxx ids, where the suffix is a
// short hash of the name for readability under concurrent creation.
func (cs *ConvoyStore) generateID(name string) string {
	sum := sha256.Sum256([]byte(name + cs.now().Format(time.RFC3339Nano)))
	return fmt.Sprintf("convoy-%s-%x", cs.now().Format("20060102150405"), sum[:2])
}

// Create persists a new convoy over the given bead ids.
func (cs *ConvoyStore) Create(name string, beadIDs []string) (*models.Convoy, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.now()
	c := &models.Convoy{
		ID:        cs.generateID(name),
		Name:      name,
		BeadIDs:   append([]string(nil), beadIDs...),
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := cs.write(c); err != nil {
		return nil, err
	}
	if _, err := cs.git.commit(fmt.Sprintf("Create convoy: %s (%s)", c.ID, name), cs.relDir); err != nil {
		return nil, err
	}
	log.Printf("[ConvoyStore] created %s with %d beads", c.ID, len(beadIDs))
	return c, nil
}

// Get loads one convoy by id.
func (cs *ConvoyStore) Get(id string) (*models.Convoy, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.read(id)
}

// List loads every convoy, newest first.
func (cs *ConvoyStore) List() ([]*models.Convoy, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var out []*models.Convoy
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		c, err := cs.read(strings.TrimSuffix(e.Name(), ".yaml"))
		if err != nil {
			log.Printf("[ConvoyStore] skipping unreadable convoy file %s: %v", e.Name(), err)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// SetStatus updates a convoy's status and optional assignee.
func (cs *ConvoyStore) SetStatus(id, status, assignedTo string) (*models.Convoy, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, err := cs.read(id)
	if err != nil {
		return nil, err
	}
	c.Status = status
	if assignedTo != "" {
		c.AssignedTo = assignedTo
	}
	c.UpdatedAt = cs.now()

	if err := cs.write(c); err != nil {
		return nil, err
	}
	if _, err := cs.git.commit(fmt.Sprintf("Update convoy: %s (%s)", id, status), cs.relDir); err != nil {
		return nil, err
	}
	return c, nil
}

func (cs *ConvoyStore) write(c *models.Convoy) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.WriteFile(cs.path(c.ID), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (cs *ConvoyStore) read(id string) (*models.Convoy, error) {
	data, err := os.ReadFile(cs.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConvoyNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var c models.Convoy
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &c, nil
}
