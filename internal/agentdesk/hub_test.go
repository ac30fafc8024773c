package agentdesk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/metrics"
)

type fakeDesk struct {
	mu        sync.Mutex
	completed []string
	released  []string
}

func (d *fakeDesk) Complete(ctx context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = append(d.completed, callID)
	return nil
}

func (d *fakeDesk) AgentReleased(ctx context.Context, agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, agentID)
}

func (d *fakeDesk) snapshot() ([]string, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.completed...), append([]string(nil), d.released...)
}

type deskFixture struct {
	hub     *Hub
	desk    *fakeDesk
	reg     *agents.MemoryRegistry
	tracker *calls.Tracker
	metrics *metrics.Metrics
	srv     *httptest.Server
}

func newDeskFixture(t *testing.T) *deskFixture {
	t.Helper()
	f := &deskFixture{
		desk:    &fakeDesk{},
		reg:     agents.NewMemoryRegistry(),
		tracker: calls.NewTracker(time.Minute),
		metrics: metrics.New(nil),
	}
	require.NoError(t, f.reg.Upsert(context.Background(), agents.Agent{
		ID: "a1", WorkspaceID: "ws1", MaxConcurrentCalls: 1, Presence: agents.PresenceOffline,
	}))
	f.hub = NewHub(Deps{Agents: f.reg, Desk: f.desk, Assignments: f.tracker, Metrics: f.metrics})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.hub.Run(ctx)
	}()

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = f.hub.Serve(w, r, r.URL.Query().Get("agent"))
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		f.srv.Close()
	})
	return f
}

func (f *deskFixture) dial(t *testing.T, agentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?agent=" + agentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		return f.hub.clients[agentID] != nil
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_NotifyAssignedPushesFrame(t *testing.T) {
	f := newDeskFixture(t)
	conn := f.dial(t, "a1")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DesksConnected))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.hub.NotifyAssigned(context.Background(),
		calls.Assignment{CallID: "c1", WorkspaceID: "ws1", AgentID: "a1", QueueID: "support", Caller: "+15551230000", AssignedAt: at},
		agents.Agent{ID: "a1"})

	fr := readFrame(t, conn)
	assert.Equal(t, FrameCallAssign, fr.Type)
	assert.Equal(t, "c1", fr.CallID)
	assert.Equal(t, "support", fr.QueueID)
	assert.Equal(t, "+15551230000", fr.Caller)
	require.NotNil(t, fr.AssignedAt)
	assert.True(t, at.Equal(*fr.AssignedAt))

	assert.False(t, f.hub.Send("nobody", Frame{Type: FrameCallAssign}))
}

func TestHub_StatusMessage(t *testing.T) {
	f := newDeskFixture(t)
	conn := f.dial(t, "a1")

	require.NoError(t, conn.WriteJSON(Message{Type: MessageStatus, Status: "available"}))
	fr := readFrame(t, conn)
	assert.Equal(t, FrameStatus, fr.Type)
	assert.Equal(t, "available", fr.Status)

	a, err := f.reg.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, agents.StatusAvailable, a.Status())
	_, released := f.desk.snapshot()
	assert.Equal(t, []string{"a1"}, released)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageStatus, Status: "busy"}))
	fr = readFrame(t, conn)
	assert.Equal(t, FrameError, fr.Type)
	assert.Contains(t, fr.Error, "available, away or offline")

	require.NoError(t, conn.WriteJSON(Message{Type: MessageStatus, Status: "away"}))
	fr = readFrame(t, conn)
	assert.Equal(t, "away", fr.Status)
	_, released = f.desk.snapshot()
	assert.Len(t, released, 1)
}

func TestHub_CallCompleteOnlyForOwnCalls(t *testing.T) {
	f := newDeskFixture(t)
	conn := f.dial(t, "a1")
	require.NoError(t, f.tracker.Assign(calls.Assignment{CallID: "c1", WorkspaceID: "ws1", AgentID: "a1"}))
	require.NoError(t, f.tracker.Assign(calls.Assignment{CallID: "c2", WorkspaceID: "ws1", AgentID: "a2"}))

	require.NoError(t, conn.WriteJSON(Message{Type: MessageCallComplete, CallID: "c2"}))
	fr := readFrame(t, conn)
	assert.Equal(t, FrameError, fr.Type)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageCallComplete, CallID: "c1"}))
	fr = readFrame(t, conn)
	assert.Equal(t, FrameCompleted, fr.Type)
	assert.Equal(t, "c1", fr.CallID)

	completed, _ := f.desk.snapshot()
	assert.Equal(t, []string{"c1"}, completed)
}

func TestHub_UnknownMessage(t *testing.T) {
	f := newDeskFixture(t)
	conn := f.dial(t, "a1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	fr := readFrame(t, conn)
	assert.Equal(t, FrameError, fr.Type)
	assert.Equal(t, "unknown message type", fr.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	fr = readFrame(t, conn)
	assert.Equal(t, "invalid json", fr.Error)
}

func TestHub_NewerConnectionReplacesOlder(t *testing.T) {
	f := newDeskFixture(t)
	first := f.dial(t, "a1")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?agent=a1"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	// The old connection is closed by the hub.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = first.ReadMessage()
	require.Error(t, err)

	assert.Equal(t, 1, f.hub.Connected())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DesksConnected))

	f.hub.NotifyAssigned(context.Background(), calls.Assignment{CallID: "c9", AgentID: "a1"}, agents.Agent{ID: "a1"})
	fr := readFrame(t, second)
	assert.Equal(t, "c9", fr.CallID)
}
