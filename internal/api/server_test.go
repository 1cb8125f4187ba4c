package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/logging"
	"github.com/beadworks/mayor/internal/mayor"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *eventbus.Bus, *mayor.Mayor) {
	t.Helper()
	store, err := beads.NewStore(t.TempDir(), ".mayor/beads", "bead", 5*time.Minute)
	require.NoError(t, err)
	convoys, err := beads.NewConvoyStore(store)
	require.NoError(t, err)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	m := mayor.New(store, convoys, bus)
	logs := logging.NewManager(100)
	logs.Append(logging.LevelInfo, "test", "hello")

	return NewServer(m, bus, logs, progress.NewTracker(bus), registry.New()), bus, m
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.SetupRoutes(), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCreateAndListBeads(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.SetupRoutes()

	rec := doJSON(t, h, http.MethodPost, "/api/beads", mayor.BeadSpec{Name: "one", Description: "d"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.Bead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "bead-001", created.ID)

	rec = doJSON(t, h, http.MethodGet, "/api/beads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []models.Bead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestCreateBeadsBulk(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.SetupRoutes()

	rec := doJSON(t, h, http.MethodPost, "/api/beads",
		[]mayor.BeadSpec{{Name: "a"}, {Name: "b"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created []models.Bead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created, 2)
	assert.Equal(t, 2, created[0].Priority)
}

func TestGetBeadNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.SetupRoutes(), http.MethodGet, "/api/beads/bead-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMoveBead(t *testing.T) {
	srv, _, m := newTestServer(t)
	h := srv.SetupRoutes()
	created, err := m.CreateBead(mayor.BeadSpec{Name: "one"})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/api/beads/"+created.ID+"/move",
		map[string]string{"status": "passing"})
	require.Equal(t, http.StatusOK, rec.Code)
	var moved models.Bead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	assert.Equal(t, models.BeadStatusPassing, moved.Status)
}

func TestReleaseBead(t *testing.T) {
	srv, _, m := newTestServer(t)
	h := srv.SetupRoutes()
	created, err := m.CreateBead(mayor.BeadSpec{Name: "one"})
	require.NoError(t, err)
	_, err = m.Store().Claim(created.ID, "agent-a")
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/api/beads/"+created.ID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var released models.Bead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &released))
	assert.Equal(t, models.BeadStatusPending, released.Status)
	assert.Empty(t, released.AssignedTo)
}

func TestMoveBeadInvalidStatus(t *testing.T) {
	srv, _, m := newTestServer(t)
	created, err := m.CreateBead(mayor.BeadSpec{Name: "one"})
	require.NoError(t, err)

	rec := doJSON(t, srv.SetupRoutes(), http.MethodPost, "/api/beads/"+created.ID+"/move",
		map[string]string{"status": "banana"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndBoard(t *testing.T) {
	srv, _, m := newTestServer(t)
	h := srv.SetupRoutes()
	_, err := m.CreateBeadsBulk([]mayor.BeadSpec{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.StoreStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)

	rec = doJSON(t, h, http.MethodGet, "/api/board", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board map[string][]models.Bead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	assert.Len(t, board["todo"], 2)
	assert.Empty(t, board["done"])
}

func TestLogsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.SetupRoutes(), http.MethodGet, "/api/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []logging.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.SetupRoutes(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEventStreamSSE(t *testing.T) {
	srv, bus, _ := newTestServer(t)
	ts := httptest.NewServer(srv.SetupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events/stream?types=task:created")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		bus.Emit(eventbus.EventTaskCreated, map[string]string{"id": "bead-001"})
	}()

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	for {
		select {
		case <-deadline:
			t.Fatal("no SSE event received")
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before delivering the event")
			if strings.HasPrefix(line, "data: ") {
				assert.Contains(t, line, "bead-001")
				return
			}
		}
	}
}

func TestEventWebsocket(t *testing.T) {
	srv, bus, _ := newTestServer(t)
	ts := httptest.NewServer(srv.SetupRoutes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws?types=board:update"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		bus.Emit(eventbus.EventBoardUpdate, map[string]int{"total": 3})
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev eventbus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, eventbus.EventBoardUpdate, ev.Type)
}
