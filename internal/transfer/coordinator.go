package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/analytics"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/pkg/logger"
)

// DefaultRingTimeout bounds how long an attended transfer waits for an answer.
const DefaultRingTimeout = 30 * time.Second

// Router is the slice of the dispatcher the coordinator needs to hand calls back.
type Router interface {
	Requeue(ctx context.Context, a calls.Assignment) error
	AgentReleased(ctx context.Context, agentID string)
}

type Deps struct {
	Repo        Repository
	Agents      agents.Registry
	Tracker     *calls.Tracker
	Commander   calls.Commander
	Router      Router
	Events      analytics.Publisher
	Metrics     *metrics.Metrics
	Log         *slog.Logger
	RingTimeout time.Duration
}

// Request asks for the call's current agent to hand it to ToAgentID.
type Request struct {
	WorkspaceID string `json:"workspace_id"`
	CallID      string `json:"call_id"`
	ToAgentID   string `json:"to_agent_id"`
	Type        Type   `json:"transfer_type"`
}

// Coordinator moves calls between agents and runs conferences. Every agent it
// rings or adds is claimed first; every claim is released exactly once.
type Coordinator struct {
	repo        Repository
	agents      agents.Registry
	tracker     *calls.Tracker
	commander   calls.Commander
	router      Router
	events      analytics.Publisher
	metrics     *metrics.Metrics
	log         *slog.Logger
	ringTimeout time.Duration

	mu     sync.Mutex
	legs   map[string]*ringing
	byCall map[string]map[*ringing]struct{}
	// early holds leg callbacks that arrived before Dial returned.
	early *cache.Cache

	confLocks sync.Map
	now       func() time.Time
}

// ringing is an attended transfer waiting on its private leg.
type ringing struct {
	callID   string
	answered chan struct{}
	ended    chan struct{}
	dropped  chan struct{}
	once     [3]sync.Once
}

func newRinging(callID string) *ringing {
	return &ringing{
		callID:   callID,
		answered: make(chan struct{}),
		ended:    make(chan struct{}),
		dropped:  make(chan struct{}),
	}
}

func (r *ringing) answer()   { r.once[0].Do(func() { close(r.answered) }) }
func (r *ringing) legEnded() { r.once[1].Do(func() { close(r.ended) }) }
func (r *ringing) callEnded() {
	r.once[2].Do(func() { close(r.dropped) })
}

func (r *ringing) apply(o legOutcome) {
	switch o {
	case legAnswered:
		r.answer()
	case legHungUp:
		r.legEnded()
	}
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.Repo == nil {
		deps.Repo = NewMemoryRepo()
	}
	if deps.Events == nil {
		deps.Events = analytics.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.RingTimeout <= 0 {
		deps.RingTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		repo:        deps.Repo,
		agents:      deps.Agents,
		tracker:     deps.Tracker,
		commander:   deps.Commander,
		router:      deps.Router,
		events:      deps.Events,
		metrics:     deps.Metrics,
		log:         deps.Log,
		ringTimeout: deps.RingTimeout,
		legs:        make(map[string]*ringing),
		byCall:      make(map[string]map[*ringing]struct{}),
		early:       cache.New(deps.RingTimeout, deps.RingTimeout),
		now:         time.Now,
	}
}

// Connect hands a freshly dispatched call to its agent's extension.
func (c *Coordinator) Connect(ctx context.Context, a calls.Assignment, agent agents.Agent) error {
	return c.commander.Transfer(ctx, a.CallID, destination(agent))
}

func destination(a agents.Agent) string {
	if a.Extension != "" {
		return a.Extension
	}
	return "client:" + a.ID
}

// Transfer dispatches on req.Type.
func (c *Coordinator) Transfer(ctx context.Context, req Request) (Transfer, error) {
	switch req.Type {
	case TypeBlind:
		return c.Blind(ctx, req)
	case TypeAttended:
		return c.Attended(ctx, req)
	case TypeConference:
		return c.ConferenceTransfer(ctx, req)
	default:
		return Transfer{}, fmt.Errorf("%w: unknown type %q", ErrInvalidTransfer, req.Type)
	}
}

// prepare validates the request, resolves the call's current agent and
// claims the target. The caller owns the claim from here on.
func (c *Coordinator) prepare(ctx context.Context, req Request) (calls.Assignment, agents.Agent, Transfer, error) {
	if req.CallID == "" || req.ToAgentID == "" || req.WorkspaceID == "" {
		return calls.Assignment{}, agents.Agent{}, Transfer{}, ErrInvalidTransfer
	}
	a, ok := c.tracker.Get(req.CallID)
	if !ok || a.WorkspaceID != req.WorkspaceID {
		return calls.Assignment{}, agents.Agent{}, Transfer{}, calls.ErrNotAssigned
	}
	if a.AgentID == req.ToAgentID {
		return calls.Assignment{}, agents.Agent{}, Transfer{}, fmt.Errorf("%w: call already with agent", ErrInvalidTransfer)
	}
	target, err := c.agents.Get(ctx, req.ToAgentID)
	if err != nil {
		return calls.Assignment{}, agents.Agent{}, Transfer{}, err
	}
	if target.WorkspaceID != req.WorkspaceID {
		return calls.Assignment{}, agents.Agent{}, Transfer{}, agents.ErrNotFound
	}

	now := c.now().UTC()
	t := Transfer{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		CallID:      req.CallID,
		FromAgentID: a.AgentID,
		ToAgentID:   target.ID,
		Type:        req.Type,
		Status:      StatusInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.repo.SaveTransfer(ctx, t); err != nil {
		return calls.Assignment{}, agents.Agent{}, Transfer{}, err
	}

	claimed, err := c.agents.Claim(ctx, target.ID)
	if err != nil {
		t = c.fail(ctx, t, "claim_error")
		return a, target, t, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if !claimed {
		t = c.fail(ctx, t, "target_unavailable")
		return a, target, t, fmt.Errorf("%w: %w", ErrTransferFailed, ErrAgentUnavailable)
	}
	return a, target, t, nil
}

// Blind hands the call over without waiting for the target to answer.
func (c *Coordinator) Blind(ctx context.Context, req Request) (Transfer, error) {
	req.Type = TypeBlind
	a, target, t, err := c.prepare(ctx, req)
	if err != nil {
		return t, err
	}

	t = c.advance(ctx, t, StatusRinging, "")
	if err := c.commander.Transfer(ctx, req.CallID, destination(target)); err != nil {
		c.release(ctx, target.ID)
		t = c.fail(ctx, t, "carrier_rejected")
		return t, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := c.handOver(ctx, a.CallID, target.ID); err != nil {
		c.release(ctx, target.ID)
		t = c.fail(ctx, t, "call_ended")
		return t, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return c.complete(ctx, t), nil
}

// Attended rings the target on a private leg and bridges the caller only once
// the target answers. It blocks until the leg is answered, declined, times
// out, or the caller hangs up.
func (c *Coordinator) Attended(ctx context.Context, req Request) (Transfer, error) {
	req.Type = TypeAttended
	a, target, t, err := c.prepare(ctx, req)
	if err != nil {
		return t, err
	}

	legID, err := c.commander.Dial(ctx, calls.DialRequest{
		WorkspaceID: req.WorkspaceID,
		To:          destination(target),
		Timeout:     c.ringTimeout,
	})
	if err != nil {
		return c.abort(ctx, a, target.ID, t, "", "dial_failed", err)
	}
	w := c.watch(req.CallID, legID)
	defer c.unwatch(legID, w)

	t.LegID = legID
	t = c.advance(ctx, t, StatusRinging, "")

	timer := time.NewTimer(c.ringTimeout)
	defer timer.Stop()

	select {
	case <-w.answered:
	case <-w.ended:
		return c.abort(ctx, a, target.ID, t, legID, "declined", nil)
	case <-w.dropped:
		return c.abort(ctx, a, target.ID, t, legID, "call_ended", nil)
	case <-timer.C:
		return c.abort(ctx, a, target.ID, t, legID, "no_answer", nil)
	case <-ctx.Done():
		return c.abort(context.WithoutCancel(ctx), a, target.ID, t, legID, "canceled", ctx.Err())
	}

	if err := c.commander.Bridge(ctx, req.CallID, legID); err != nil {
		return c.abort(ctx, a, target.ID, t, legID, "bridge_failed", err)
	}
	if err := c.takeOver(ctx, a, target.ID); err != nil {
		return c.abort(ctx, a, target.ID, t, legID, "call_ended", err)
	}
	return c.complete(ctx, t), nil
}

// takeOver attributes a bridged call to the target. A call its original
// agent let go of while the target rang is still live, so the target's claim
// covers it directly.
func (c *Coordinator) takeOver(ctx context.Context, a calls.Assignment, targetID string) error {
	err := c.handOver(ctx, a.CallID, targetID)
	if !errors.Is(err, calls.ErrNotAssigned) {
		return err
	}
	next := a
	next.AgentID = targetID
	next.AssignedAt = c.now()
	return c.tracker.Assign(next)
}

// abort undoes an attended transfer. The target's claim is released, the
// private leg is hung up, and the call stays with its original agent. If that
// agent has been released in the meantime the call goes back to its queue.
func (c *Coordinator) abort(ctx context.Context, a calls.Assignment, targetID string, t Transfer, legID, reason string, cause error) (Transfer, error) {
	c.release(ctx, targetID)
	if legID != "" {
		if err := c.commander.Hangup(ctx, legID); err != nil {
			c.log.Warn("hang up transfer leg", "leg_id", legID, "error", err)
		}
	}
	t = c.fail(ctx, t, reason)

	cur, assigned := c.tracker.Get(a.CallID)
	switch {
	case assigned && cur.AgentID == a.AgentID:
	case assigned:
		// Someone else took the call while this transfer rang.
	case c.tracker.Ended(a.CallID):
	default:
		if c.router != nil {
			if err := c.router.Requeue(ctx, a); err != nil {
				c.log.Error("requeue after failed transfer", "call_id", a.CallID, "error", err)
			}
		}
	}

	if cause != nil {
		return t, fmt.Errorf("%w: %s: %w", ErrTransferFailed, reason, cause)
	}
	return t, fmt.Errorf("%w: %s", ErrTransferFailed, reason)
}

// handOver moves the tracker attribution to the target and frees the
// previous agent's capacity.
func (c *Coordinator) handOver(ctx context.Context, callID, toAgentID string) error {
	prev, err := c.tracker.Reassign(callID, toAgentID, c.now())
	if err != nil {
		return err
	}
	c.release(ctx, prev.AgentID)
	if c.router != nil {
		c.router.AgentReleased(ctx, prev.AgentID)
	}
	return nil
}

type legOutcome int

const (
	legAnswered legOutcome = iota + 1
	legHungUp
)

// Answered reports that a dialled leg picked up. It returns false for legs
// the coordinator is not waiting on yet; those are held for one ring timeout
// in case Dial has not returned.
func (c *Coordinator) Answered(legID string) bool {
	return c.legEvent(legID, legAnswered)
}

// LegEnded reports that a dialled leg hung up or was rejected before answering.
func (c *Coordinator) LegEnded(legID string) bool {
	return c.legEvent(legID, legHungUp)
}

func (c *Coordinator) legEvent(legID string, o legOutcome) bool {
	c.mu.Lock()
	w, ok := c.legs[legID]
	if !ok {
		if prev, held := c.early.Get(legID); !held || prev.(legOutcome) != legHungUp {
			c.early.SetDefault(legID, o)
		}
	}
	c.mu.Unlock()
	if ok {
		w.apply(o)
	}
	return ok
}

// CallEnded stops any transfer still ringing for the call and removes the
// call from the conferences it is part of.
func (c *Coordinator) CallEnded(ctx context.Context, callID string) {
	c.mu.Lock()
	for w := range c.byCall[callID] {
		w.callEnded()
	}
	c.mu.Unlock()

	c.leaveByCall(ctx, callID)
}

func (c *Coordinator) watch(callID, legID string) *ringing {
	w := newRinging(callID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.legs[legID] = w
	set, ok := c.byCall[callID]
	if !ok {
		set = make(map[*ringing]struct{})
		c.byCall[callID] = set
	}
	set[w] = struct{}{}
	if o, held := c.early.Get(legID); held {
		c.early.Delete(legID)
		w.apply(o.(legOutcome))
	}
	return w
}

func (c *Coordinator) unwatch(legID string, w *ringing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.legs, legID)
	if set, ok := c.byCall[w.callID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(c.byCall, w.callID)
		}
	}
}

// Get returns a stored transfer.
func (c *Coordinator) Get(ctx context.Context, id string) (Transfer, error) {
	return c.repo.GetTransfer(ctx, id)
}

func (c *Coordinator) advance(ctx context.Context, t Transfer, s Status, reason string) Transfer {
	now := c.now().UTC()
	t.Status = s
	t.Reason = reason
	t.UpdatedAt = now
	if s.Terminal() {
		t.FinishedAt = &now
		c.metrics.Transfers.WithLabelValues(string(t.Type), string(s)).Inc()
	}
	if err := c.repo.SaveTransfer(ctx, t); err != nil {
		c.log.Error("save transfer", "transfer_id", t.ID, "status", s, "error", err)
	}
	c.events.Publish(ctx, analytics.Event{
		WorkspaceID:  t.WorkspaceID,
		Type:         analytics.EventTransfer,
		CallID:       t.CallID,
		AgentID:      t.ToAgentID,
		TransferID:   t.ID,
		ConferenceID: t.ConferenceID,
		Reason:       string(s),
	})
	return t
}

func (c *Coordinator) complete(ctx context.Context, t Transfer) Transfer {
	t = c.advance(ctx, t, StatusCompleted, "")
	c.log.Info("transfer completed",
		"transfer_id", t.ID, "call_id", t.CallID, "type", t.Type,
		"from_agent_id", t.FromAgentID, "to_agent_id", t.ToAgentID)
	return t
}

func (c *Coordinator) fail(ctx context.Context, t Transfer, reason string) Transfer {
	t = c.advance(ctx, t, StatusFailed, reason)
	c.log.Warn("transfer failed",
		"transfer_id", t.ID, "call_id", t.CallID, "type", t.Type, "reason", reason)
	return t
}

func (c *Coordinator) release(ctx context.Context, agentID string) {
	if err := c.agents.Release(ctx, agentID); err != nil && !errors.Is(err, agents.ErrNotFound) {
		c.log.Error("release agent capacity", "agent_id", agentID, "error", err)
	}
}
