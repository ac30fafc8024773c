package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/audit"
	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/queues"
	"callcenter-platform/internal/rbac"
	"callcenter-platform/internal/routing"
	"callcenter-platform/internal/transfer"
	"callcenter-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Router is the dispatcher surface the API uses.
type Router interface {
	Admit(ctx context.Context, req routing.AdmitRequest) (routing.Admission, error)
	List(ctx context.Context, queueID string) ([]queues.QueuedCall, error)
	Position(ctx context.Context, callID string) (queues.QueuedCall, bool, error)
	AgentReleased(ctx context.Context, agentID string)
}

// CallFlow ends calls and reports their call-flow stage.
type CallFlow interface {
	Teardown(ctx context.Context, callID string) error
	Status(callID string) (calls.CallStatus, bool)
}

type Assignments interface {
	Get(callID string) (calls.Assignment, bool)
}

// Desk attaches an agent desktop websocket.
type Desk interface {
	Serve(w http.ResponseWriter, r *http.Request, agentID string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Queues      queues.Repository
	Router      Router
	Agents      agents.Registry
	CallFlow    CallFlow
	Assignments Assignments
	Transfers   *transfer.Coordinator
	Commander   calls.Commander
	Desk        Desk
	// Audit records supervisor actions. Nil disables it.
	Audit *audit.Service
}

type queuedCallView struct {
	CallID               string    `json:"call_id"`
	QueueID              string    `json:"queue_id"`
	Caller               string    `json:"caller"`
	Priority             int       `json:"priority"`
	Position             int       `json:"position"`
	QueuedAt             time.Time `json:"queued_at"`
	EstimatedWaitSeconds int64     `json:"estimated_wait_seconds"`
}

func viewQueued(c queues.QueuedCall) queuedCallView {
	return queuedCallView{
		CallID:               c.CallID,
		QueueID:              c.QueueID,
		Caller:               c.Caller,
		Priority:             c.Priority,
		Position:             c.Position,
		QueuedAt:             c.QueuedAt,
		EstimatedWaitSeconds: int64(c.EstimatedWait / time.Second),
	}
}

type agentView struct {
	agents.Agent
	Status agents.Status `json:"status"`
}

// --- Queues ---

func (h Handlers) ListQueuedCalls(c *gin.Context) {
	ctx := c.Request.Context()
	q, ok := h.workspaceQueue(c)
	if !ok {
		return
	}
	list, err := h.Router.List(ctx, q.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]queuedCallView, 0, len(list))
	for _, qc := range list {
		out = append(out, viewQueued(qc))
	}
	c.JSON(http.StatusOK, gin.H{"queue_id": q.ID, "calls": out})
}

type admitRequest struct {
	CallID   string `json:"call_id"`
	Caller   string `json:"caller"`
	Priority int    `json:"priority"`
}

// AdmitCall queues a call placed outside the inbound flow, e.g. a callback.
func (h Handlers) AdmitCall(c *gin.Context) {
	q, ok := h.workspaceQueue(c)
	if !ok {
		return
	}
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	adm, err := h.Router.Admit(c.Request.Context(), routing.AdmitRequest{
		CallID:      req.CallID,
		WorkspaceID: q.WorkspaceID,
		QueueID:     q.ID,
		Caller:      req.Caller,
		Priority:    req.Priority,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"outcome": adm.Outcome, "queue_id": adm.QueueID}
	if adm.Outcome == routing.OutcomeOverflowed {
		body["overflow"] = adm.Overflow
		body["reason"] = adm.Reason
		c.JSON(http.StatusOK, body)
		return
	}
	body["entry"] = viewQueued(adm.Entry)
	c.JSON(http.StatusCreated, body)
}

func (h Handlers) workspaceQueue(c *gin.Context) (queues.Queue, bool) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	q, err := h.Queues.Get(c.Request.Context(), c.Param("queue_id"))
	if err == nil && q.WorkspaceID != ws {
		err = queues.ErrNotFound
	}
	if err != nil {
		writeError(c, err)
		return queues.Queue{}, false
	}
	return q, true
}

// --- Calls ---

// GetCall reports a live call: its stage, its queue position if waiting and
// its agent if assigned.
func (h Handlers) GetCall(c *gin.Context) {
	ctx := c.Request.Context()
	ws, _ := auth.WorkspaceID(ctx)
	callID := c.Param("call_id")

	body := gin.H{"call_id": callID}
	found := false
	if st, ok := h.CallFlow.Status(callID); ok {
		body["status"] = st
	}
	if a, ok := h.Assignments.Get(callID); ok {
		if a.WorkspaceID != ws {
			writeError(c, calls.ErrNotAssigned)
			return
		}
		body["assignment"] = a
		found = true
	}
	qc, queued, err := h.Router.Position(ctx, callID)
	if err != nil {
		writeError(c, err)
		return
	}
	if queued {
		if qc.WorkspaceID != ws {
			writeError(c, queues.ErrNotFound)
			return
		}
		body["queue"] = viewQueued(qc)
		found = true
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, body)
}

// EndCall hangs up a call and releases everything routing holds for it.
func (h Handlers) EndCall(c *gin.Context) {
	ctx := c.Request.Context()
	ws, _ := auth.WorkspaceID(ctx)
	callID := c.Param("call_id")

	owned := false
	if a, ok := h.Assignments.Get(callID); ok && a.WorkspaceID == ws {
		owned = true
	}
	if qc, ok, err := h.Router.Position(ctx, callID); err == nil && ok && qc.WorkspaceID == ws {
		owned = true
	}
	if !owned {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err := h.CallFlow.Teardown(ctx, callID); err != nil {
		writeError(c, err)
		return
	}
	if err := h.Commander.Hangup(ctx, callID); err != nil {
		logger.FromGin(c).Warn("hangup after teardown", "call_id", callID, "error", err)
	}
	h.record(c, audit.Event{Type: audit.EventCallEnded, CallID: callID, Message: "call ended by supervisor"})
	c.Status(http.StatusNoContent)
}

// --- Agents ---

func (h Handlers) ListAgents(c *gin.Context) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	list, err := h.Agents.List(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]agentView, 0, len(list))
	for _, a := range list {
		out = append(out, agentView{Agent: a, Status: a.Status()})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

type statusRequest struct {
	Status agents.Status `json:"status"`
}

// SetAgentStatus is an explicit presence override. Busy is derived and cannot be set.
func (h Handlers) SetAgentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	a, ok := h.workspaceAgent(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Agents.SetStatus(ctx, a.ID, req.Status); err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.Agents.Get(ctx, a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if updated.Status() == agents.StatusAvailable {
		h.Router.AgentReleased(ctx, updated.ID)
	}
	if id, _ := auth.IdentityFrom(ctx); id.AgentID != a.ID {
		h.record(c, audit.Event{Type: audit.EventStatusOverride, AgentID: a.ID, Message: "status set to " + string(req.Status)})
	}
	c.JSON(http.StatusOK, agentView{Agent: updated, Status: updated.Status()})
}

func (h Handlers) workspaceAgent(c *gin.Context) (agents.Agent, bool) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	a, err := h.Agents.Get(c.Request.Context(), c.Param("agent_id"))
	if err == nil && a.WorkspaceID != ws {
		err = agents.ErrNotFound
	}
	if err != nil {
		writeError(c, err)
		return agents.Agent{}, false
	}
	return a, true
}

// AgentSocket upgrades to the agent desktop websocket.
func (h Handlers) AgentSocket(c *gin.Context) {
	a, ok := h.workspaceAgent(c)
	if !ok {
		return
	}
	if err := h.Desk.Serve(c.Writer, c.Request, a.ID); err != nil {
		logger.FromGin(c).Warn("desk upgrade failed", "agent_id", a.ID, "error", err)
	}
}

// --- Transfers ---

type transferRequest struct {
	CallID    string        `json:"call_id"`
	ToAgentID string        `json:"to_agent_id"`
	Type      transfer.Type `json:"transfer_type"`
}

// CreateTransfer runs a transfer to completion. Attended transfers hold the
// request until the target answers or the ring timeout passes.
func (h Handlers) CreateTransfer(c *gin.Context) {
	ctx := c.Request.Context()
	id, _ := auth.IdentityFrom(ctx)
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	onBehalf := false
	if a, ok := h.Assignments.Get(req.CallID); ok {
		if !rbac.CanActForAgent(id, a.AgentID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "call belongs to another agent"})
			return
		}
		onBehalf = a.AgentID != id.AgentID && a.WorkspaceID == id.WorkspaceID
	}
	t, err := h.Transfers.Transfer(ctx, transfer.Request{
		WorkspaceID: id.WorkspaceID,
		CallID:      req.CallID,
		ToAgentID:   req.ToAgentID,
		Type:        req.Type,
	})
	if onBehalf && t.ID != "" {
		h.record(c, audit.Event{
			Type: audit.EventTransferOnBehalf, CallID: req.CallID, AgentID: req.ToAgentID,
			Message: string(req.Type) + " transfer " + string(t.Status),
		})
	}
	if err != nil {
		if t.ID != "" {
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": publicMessage(err), "transfer": t})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// --- Conferences ---

type conferenceRequest struct {
	Name            string `json:"name"`
	PIN             string `json:"pin"`
	MaxParticipants int    `json:"max_participants"`
	IsRecording     bool   `json:"is_recording"`
}

func (h Handlers) CreateConference(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	var req conferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	conf, err := h.Transfers.CreateConference(c.Request.Context(), transfer.ConferenceRequest{
		WorkspaceID:     id.WorkspaceID,
		Name:            req.Name,
		HostUserID:      id.UserID,
		PIN:             req.PIN,
		MaxParticipants: req.MaxParticipants,
		IsRecording:     req.IsRecording,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conf)
}

func (h Handlers) GetConference(c *gin.Context) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	conf, err := h.Transfers.Conference(c.Request.Context(), ws, c.Param("conference_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

type joinRequest struct {
	CallID      string `json:"call_id"`
	PhoneNumber string `json:"phone_number"`
	UserID      string `json:"user_id"`
	AgentID     string `json:"agent_id"`
	PIN         string `json:"pin"`
	Muted       bool   `json:"muted"`
}

func (h Handlers) JoinConference(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AgentID != "" && !rbac.CanActForAgent(id, req.AgentID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	p, err := h.Transfers.Join(c.Request.Context(), transfer.JoinRequest{
		ConferenceID: c.Param("conference_id"),
		WorkspaceID:  id.WorkspaceID,
		CallID:       req.CallID,
		PhoneNumber:  req.PhoneNumber,
		UserID:       req.UserID,
		AgentID:      req.AgentID,
		PIN:          req.PIN,
		Muted:        req.Muted,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h Handlers) LeaveConference(c *gin.Context) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	if err := h.Transfers.Leave(c.Request.Context(), ws, c.Param("conference_id"), c.Param("participant_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (h Handlers) MuteParticipant(c *gin.Context) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Transfers.Mute(c.Request.Context(), ws, c.Param("conference_id"), c.Param("participant_id"), req.Muted); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) CloseConference(c *gin.Context) {
	ws, _ := auth.WorkspaceID(c.Request.Context())
	if err := h.Transfers.Close(c.Request.Context(), ws, c.Param("conference_id")); err != nil {
		writeError(c, err)
		return
	}
	h.record(c, audit.Event{Type: audit.EventConferenceClosed, ConferenceID: c.Param("conference_id"), Message: "conference closed"})
	c.Status(http.StatusNoContent)
}

// record fills the actor from the request identity.
func (h Handlers) record(c *gin.Context, e audit.Event) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	e.WorkspaceID = id.WorkspaceID
	e.ActorUserID, e.ActorRole = id.UserID, id.Role
	e.IPAddress = c.ClientIP()
	h.Audit.Record(c.Request.Context(), e)
}

// --- Errors ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, agents.ErrNotFound),
		errors.Is(err, queues.ErrNotFound),
		errors.Is(err, calls.ErrNotAssigned),
		errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, transfer.ErrConferenceNotFound),
		errors.Is(err, transfer.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, agents.ErrInvalidAgent),
		errors.Is(err, agents.ErrInvalidStatus),
		errors.Is(err, queues.ErrInvalidQueue),
		errors.Is(err, queues.ErrInvalidCall),
		errors.Is(err, routing.ErrInvalidCall),
		errors.Is(err, transfer.ErrInvalidTransfer):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrInvalidPIN):
		return http.StatusForbidden
	case errors.Is(err, queues.ErrQueueFull),
		errors.Is(err, agents.ErrCapacityInUse),
		errors.Is(err, calls.ErrAlreadyAssigned),
		errors.Is(err, calls.ErrCallEnded),
		errors.Is(err, transfer.ErrConferenceFull),
		errors.Is(err, transfer.ErrConferenceEnded),
		errors.Is(err, transfer.ErrTransferFailed),
		errors.Is(err, routing.ErrClaimConflict):
		return http.StatusConflict
	case errors.Is(err, routing.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": publicMessage(err)})
}
