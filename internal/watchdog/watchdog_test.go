package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/internal/retry"
	"github.com/beadworks/mayor/pkg/models"
)

type fakeHandle struct{ killed bool }

func (f *fakeHandle) Kill() error {
	f.killed = true
	return nil
}

type fakeStore struct {
	released []string
	holders  []string
}

func (f *fakeStore) Release(id, holderID string) (*models.Bead, error) {
	f.released = append(f.released, id)
	f.holders = append(f.holders, holderID)
	return &models.Bead{ID: id, Status: models.BeadStatusPending}, nil
}

func TestSweepReclaimsStalledWorker(t *testing.T) {
	reg := registry.New()
	store := &fakeStore{}
	retries := retry.NewController(3)
	bus := eventbus.New()
	defer bus.Close()
	stream := bus.SubscribeStream(eventbus.EventWorkerError)
	defer stream.Close()
	tracker := progress.NewTracker(nil)
	tracker.Start("bead-001", "thing")

	handle := &fakeHandle{}
	reg.Register("agent-1", "bead-001", 42, handle)

	w := New(reg, store, retries, tracker, bus, time.Minute, time.Nanosecond)
	time.Sleep(time.Millisecond) // let the registration age past the threshold
	w.Sweep()

	assert.True(t, handle.killed)
	assert.Equal(t, []string{"bead-001"}, store.released)
	assert.Equal(t, []string{"agent-1"}, store.holders, "release must carry the stalled agent's id")
	assert.Equal(t, 0, reg.Len(), "stalled agent must be unregistered")

	id, ok := retries.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "bead-001", id)

	ev, ok := stream.Next(time.Second)
	require.True(t, ok)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, "stalled", data["reason"])

	rec, ok := tracker.Get("bead-001")
	require.True(t, ok)
	assert.Equal(t, models.StageFailed, rec.Stage)
}

func TestSweepLeavesHealthyWorkers(t *testing.T) {
	reg := registry.New()
	handle := &fakeHandle{}
	reg.Register("agent-1", "bead-001", 42, handle)

	w := New(reg, nil, nil, nil, nil, time.Minute, time.Hour)
	w.Sweep()

	assert.False(t, handle.killed)
	assert.Equal(t, 1, reg.Len())
}

func TestSweepWithExhaustedRetries(t *testing.T) {
	reg := registry.New()
	store := &fakeStore{}
	retries := retry.NewController(1)
	// The single retry was already spent on an earlier failure.
	require.NoError(t, retries.Enqueue("bead-001"))
	retries.Dequeue()
	reg.Register("agent-1", "bead-001", 42, &fakeHandle{})

	w := New(reg, store, retries, nil, nil, time.Minute, time.Nanosecond)
	time.Sleep(time.Millisecond)
	w.Sweep()

	// Still reclaimed, just not requeued.
	assert.Equal(t, []string{"bead-001"}, store.released)
	assert.Equal(t, 0, retries.QueueLen())
	assert.Equal(t, 0, reg.Len())
}

func TestOnKillFiresPerReclaim(t *testing.T) {
	reg := registry.New()
	reg.Register("agent-1", "bead-001", 42, &fakeHandle{})
	reg.Register("agent-2", "bead-002", 43, &fakeHandle{})

	var killed []string
	w := New(reg, &fakeStore{}, retry.NewController(3), nil, nil, time.Minute, time.Nanosecond)
	w.OnKill(func(entry registry.Entry) {
		killed = append(killed, entry.TaskID)
	})
	time.Sleep(time.Millisecond)
	w.Sweep()

	assert.ElementsMatch(t, []string{"bead-001", "bead-002"}, killed)
}

func TestStartIdempotent(t *testing.T) {
	reg := registry.New()
	w := New(reg, nil, nil, nil, nil, time.Hour, time.Hour)
	w.Start()
	w.Start() // second call must not spawn a second loop or panic
	w.Stop()
	w.Stop()
}
