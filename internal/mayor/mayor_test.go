package mayor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/pkg/models"
)

func newTestMayor(t *testing.T) *Mayor {
	t.Helper()
	store, err := beads.NewStore(t.TempDir(), ".mayor/beads", "bead", 5*time.Minute)
	require.NoError(t, err)
	convoys, err := beads.NewConvoyStore(store)
	require.NoError(t, err)
	return New(store, convoys, nil)
}

func intp(v int) *int { return &v }

func TestCreateBead(t *testing.T) {
	m := newTestMayor(t)
	b, err := m.CreateBead(BeadSpec{Name: "one", Priority: intp(5)})
	require.NoError(t, err)
	assert.Equal(t, "bead-001", b.ID)
	assert.Equal(t, 5, b.Priority)
	assert.Equal(t, models.BeadStatusPending, b.Status)
}

func TestCreateBeadsBulkDefaultPriorities(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBeadsBulk([]BeadSpec{
		{Name: "first"},
		{Name: "second"},
		{Name: "third", Priority: intp(99)},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Equal(t, 3, created[0].Priority, "list order becomes work order")
	assert.Equal(t, 2, created[1].Priority)
	assert.Equal(t, 99, created[2].Priority, "explicit priority wins")
}

func TestGetNextBeadClaims(t *testing.T) {
	m := newTestMayor(t)
	_, err := m.CreateBeadsBulk([]BeadSpec{{Name: "first"}, {Name: "second"}})
	require.NoError(t, err)

	b, err := m.GetNextBead("agent-a")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "first", b.Name)
	assert.Equal(t, models.BeadStatusInProgress, b.Status)
	assert.Equal(t, "agent-a", b.AssignedTo)
}

func TestGetNextBeadDrainedBoard(t *testing.T) {
	m := newTestMayor(t)
	b, err := m.GetNextBead("agent-a")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestMarkBeadPassingVerified(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBead(BeadSpec{Name: "one"})
	require.NoError(t, err)

	b, err := m.MarkBeadPassing(created.ID, map[string]interface{}{"passed": true, "score": 0.9})
	require.NoError(t, err)
	assert.Equal(t, models.BeadStatusPassing, b.Status)
	assert.Equal(t, "verified", b.VerificationStatus)
	assert.Equal(t, true, b.QualityState["passed"])
}

func TestMarkBeadPassingQualityGateFails(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBead(BeadSpec{Name: "one"})
	require.NoError(t, err)

	b, err := m.MarkBeadPassing(created.ID, map[string]interface{}{
		"passed": false,
		"reason": "tests missing",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BeadStatusNeedsReview, b.Status)
	assert.Equal(t, "failed", b.VerificationStatus)
	assert.Contains(t, b.VerificationNotes, "tests missing")
}

func TestMarkBeadPassingNoQuality(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBead(BeadSpec{Name: "one"})
	require.NoError(t, err)

	b, err := m.MarkBeadPassing(created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BeadStatusPassing, b.Status)
	assert.Empty(t, b.VerificationStatus)
}

func TestSkipBead(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBead(BeadSpec{Name: "one", Priority: intp(50)})
	require.NoError(t, err)
	_, err = m.GetNextBead("agent-a")
	require.NoError(t, err)

	b, err := m.SkipBead(created.ID)
	require.NoError(t, err)
	assert.Equal(t, -50, b.Priority)
	assert.Equal(t, models.BeadStatusPending, b.Status)
	assert.Empty(t, b.AssignedTo)
}

func TestReleaseBeadForcesClaimOff(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBead(BeadSpec{Name: "one"})
	require.NoError(t, err)
	_, err = m.Store().Claim(created.ID, "agent-a")
	require.NoError(t, err)

	b, err := m.ReleaseBead(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BeadStatusPending, b.Status)
	assert.Empty(t, b.AssignedTo)
	assert.False(t, m.Store().IsLocked(created.ID))
}

func TestBoardGrouping(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBeadsBulk([]BeadSpec{
		{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"},
	})
	require.NoError(t, err)

	_, err = m.MoveBead(created[0].ID, models.BeadStatusPassing)
	require.NoError(t, err)
	_, err = m.MoveBead(created[1].ID, models.BeadStatusNeedsReview)
	require.NoError(t, err)
	_, err = m.Store().Claim(created[2].ID, "agent-a")
	require.NoError(t, err)

	board, err := m.Board()
	require.NoError(t, err)
	assert.Len(t, board["done"], 1)
	assert.Len(t, board["review"], 1)
	assert.Len(t, board["in_progress"], 1)
	assert.Len(t, board["todo"], 1)
}

func TestConvoyLifecycle(t *testing.T) {
	m := newTestMayor(t)
	created, err := m.CreateBeadsBulk([]BeadSpec{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)

	c, err := m.CreateConvoy("ship it", []string{created[0].ID, created[1].ID})
	require.NoError(t, err)
	assert.Equal(t, "pending", c.Status)

	// Members carry the convoy id after creation.
	b, err := m.GetBead(created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, b.ConvoyID)

	_, err = m.MoveBead(created[0].ID, models.BeadStatusPassing)
	require.NoError(t, err)
	c, err = m.ConvoyStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", c.Status)

	_, err = m.MoveBead(created[1].ID, models.BeadStatusPassing)
	require.NoError(t, err)
	c, err = m.ConvoyStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "complete", c.Status)
}

func TestCreateConvoyUnknownBead(t *testing.T) {
	m := newTestMayor(t)
	_, err := m.CreateConvoy("nope", []string{"bead-404"})
	assert.ErrorIs(t, err, beads.ErrBeadNotFound)
}

func TestEventsEmittedOnCreate(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	stream := bus.SubscribeStream(eventbus.EventTaskCreated)
	defer stream.Close()

	store, err := beads.NewStore(t.TempDir(), ".mayor/beads", "bead", 5*time.Minute)
	require.NoError(t, err)
	m := New(store, nil, bus)

	_, err = m.CreateBead(BeadSpec{Name: "one"})
	require.NoError(t, err)

	ev, ok := stream.Next(time.Second)
	require.True(t, ok)
	created := ev.Data.(*models.Bead)
	assert.Equal(t, "one", created.Name)
}
