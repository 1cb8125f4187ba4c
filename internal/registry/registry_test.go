package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ killed bool }

func (f *fakeHandle) Kill() error {
	f.killed = true
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	r.Register("agent-1", "bead-001", 1234, h)

	e, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, "bead-001", e.TaskID)
	assert.Equal(t, 1234, e.PID)
	assert.Equal(t, 1, r.Len())

	r.Unregister("agent-1")
	_, ok = r.Get("agent-1")
	assert.False(t, ok)
}

func TestHeartbeatRefreshesLastOutput(t *testing.T) {
	r := New()
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Register("agent-1", "bead-001", 1, nil)

	r.now = func() time.Time { return base.Add(time.Minute) }
	r.Heartbeat("agent-1")

	e, _ := r.Get("agent-1")
	assert.Equal(t, base.Add(time.Minute), e.LastOutput)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := New()
	r.Heartbeat("nope") // must not panic
	assert.Equal(t, 0, r.Len())
}

func TestStalled(t *testing.T) {
	r := New()
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Register("fresh", "bead-001", 1, nil)
	r.Register("stale", "bead-002", 2, nil)

	// Only "fresh" keeps producing output.
	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	r.Heartbeat("fresh")

	r.now = func() time.Time { return base.Add(5 * time.Minute) }
	stalled := r.Stalled(3 * time.Minute)
	require.Len(t, stalled, 1)
	assert.Equal(t, "stale", stalled[0].AgentID)
}

func TestListCopies(t *testing.T) {
	r := New()
	r.Register("a", "bead-001", 1, nil)
	r.Register("b", "bead-002", 2, nil)
	assert.Len(t, r.List(), 2)
}
