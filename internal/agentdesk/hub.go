// Package agentdesk pushes call assignments to agent desktops over websockets
// and accepts presence changes and call completions back from them.
package agentdesk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/pkg/logger"
)

var ErrHubStopped = errors.New("agentdesk: hub stopped")

// Frame types.
const (
	FrameCallAssign = "call_assign"
	FrameStatus     = "status"
	FrameCompleted  = "call_completed"
	FrameError      = "error"
)

// Message types accepted from a desktop.
const (
	MessageStatus       = "status"
	MessageCallComplete = "call_complete"
)

// Frame is everything the hub sends to a desktop.
type Frame struct {
	Type        string     `json:"type"`
	CallID      string     `json:"call_id,omitempty"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
	QueueID     string     `json:"queue_id,omitempty"`
	Caller      string     `json:"caller,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	Status      string     `json:"status,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Message is one inbound desktop message.
type Message struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

// Desk is the dispatcher surface the hub drives.
type Desk interface {
	Complete(ctx context.Context, callID string) error
	AgentReleased(ctx context.Context, agentID string)
}

// Assignments resolves which agent holds a call.
type Assignments interface {
	Get(callID string) (calls.Assignment, bool)
}

type Deps struct {
	Agents      agents.Registry
	Desk        Desk
	Assignments Assignments
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

type inbound struct {
	client *client
	msg    Message
}

// Hub keeps at most one desktop connection per agent. A newer connection
// replaces the older one.
type Hub struct {
	agents      agents.Registry
	desk        Desk
	assignments Assignments
	metrics     *metrics.Metrics
	log         *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	register   chan *client
	unregister chan *client
	inbound    chan inbound
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub(deps Deps) *Hub {
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Hub{
		agents:      deps.Agents,
		desk:        deps.Desk,
		assignments: deps.Assignments,
		metrics:     deps.Metrics,
		log:         deps.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Desktops authenticate with a bearer token, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
	}
}

// Run owns connection bookkeeping and inbound message handling until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.agentID]; ok {
				old.close()
				h.metrics.DesksConnected.Dec()
			}
			h.clients[c.agentID] = c
			h.metrics.DesksConnected.Inc()
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("desk connected", "agent_id", c.agentID, "connected", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.agentID]; ok && cur == c {
				delete(h.clients, c.agentID)
				h.metrics.DesksConnected.Dec()
				h.log.Info("desk disconnected", "agent_id", c.agentID)
			}
			h.mu.Unlock()
			c.close()
		case in := <-h.inbound:
			h.handle(ctx, in.client, in.msg)
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			c.close()
			delete(h.clients, id)
			h.metrics.DesksConnected.Dec()
		}
		h.mu.Unlock()
	})
}

// Serve upgrades the request and attaches it to agentID. The caller is
// responsible for authorizing the agent.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, agentID string) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := newClient(h, conn, agentID)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return ErrHubStopped
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// NotifyAssigned sends a call_assign frame to the agent's desktop, if connected.
func (h *Hub) NotifyAssigned(ctx context.Context, a calls.Assignment, agent agents.Agent) {
	at := a.AssignedAt
	ok := h.Send(agent.ID, Frame{
		Type:        FrameCallAssign,
		CallID:      a.CallID,
		WorkspaceID: a.WorkspaceID,
		QueueID:     a.QueueID,
		Caller:      a.Caller,
		AssignedAt:  &at,
	})
	if !ok {
		logger.From(ctx).Debug("desk not reachable", "agent_id", agent.ID, "call_id", a.CallID)
	}
}

// Send reports whether the frame was queued for the agent's connection.
func (h *Hub) Send(agentID string, f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	h.mu.RLock()
	c, ok := h.clients[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(b)
}

func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handle(ctx context.Context, c *client, msg Message) {
	log := h.log.With("agent_id", c.agentID, "message", msg.Type)
	switch msg.Type {
	case MessageStatus:
		if err := h.agents.SetStatus(ctx, c.agentID, agents.Status(msg.Status)); err != nil {
			log.Warn("desk status change failed", "status", msg.Status, "error", err)
			c.reply(errorFrame(errorText(err)))
			return
		}
		agent, err := h.agents.Get(ctx, c.agentID)
		if err != nil {
			c.reply(errorFrame(errorText(err)))
			return
		}
		if agent.Status() == agents.StatusAvailable {
			h.desk.AgentReleased(ctx, c.agentID)
		}
		c.reply(Frame{Type: FrameStatus, Status: string(agent.Status())})
	case MessageCallComplete:
		a, ok := h.assignments.Get(msg.CallID)
		if !ok || a.AgentID != c.agentID {
			c.reply(errorFrame("call is not assigned to this agent"))
			return
		}
		if err := h.desk.Complete(ctx, msg.CallID); err != nil {
			log.Warn("desk call complete failed", "call_id", msg.CallID, "error", err)
			c.reply(errorFrame(errorText(err)))
			return
		}
		c.reply(Frame{Type: FrameCompleted, CallID: msg.CallID})
	default:
		c.reply(errorFrame("unknown message type"))
	}
}

func errorFrame(text string) Frame {
	return Frame{Type: FrameError, Error: text}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, agents.ErrInvalidStatus):
		return "status must be available, away or offline"
	case errors.Is(err, agents.ErrNotFound):
		return "agent not found"
	case errors.Is(err, calls.ErrNotAssigned):
		return "call is not assigned"
	default:
		return "internal error"
	}
}
