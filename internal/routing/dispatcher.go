package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/analytics"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/internal/queues"
	"callcenter-platform/internal/waittime"
	"callcenter-platform/pkg/logger"
)

// Handoff connects a call that was just taken off a queue to its agent.
// A non-nil error puts the call back in the queue with its original queued_at.
type Handoff interface {
	Connect(ctx context.Context, a calls.Assignment, agent agents.Agent) error
}

// Notifier tells an agent's desktop about a new assignment. Best-effort.
type Notifier interface {
	NotifyAssigned(ctx context.Context, a calls.Assignment, agent agents.Agent)
}

type Options struct {
	Tick    time.Duration
	Workers int
	// ClosedCooldown is how long a queue refuses admissions after a store failure.
	ClosedCooldown time.Duration
	// MaxOverflowHops bounds queue-to-queue overflow chains.
	MaxOverflowHops int
}

type Deps struct {
	Queues    queues.Repository
	Store     queues.Store
	Agents    agents.Registry
	Estimator *waittime.Estimator
	History   waittime.History
	Tracker   *calls.Tracker
	Commander calls.Commander
	Events    analytics.Publisher
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Dispatcher matches queued calls to agents.
//
// Cycles for the same queue may run concurrently, in one process or several.
// Correctness rests on Agents.Claim and Store.Take being atomic; the cycle
// itself takes no lock.
type Dispatcher struct {
	// Handoff and Notifier are set after construction because the transfer
	// coordinator and the agent hub both need the dispatcher first.
	Handoff  Handoff
	Notifier Notifier

	queues    queues.Repository
	store     queues.Store
	agents    agents.Registry
	estimator *waittime.Estimator
	history   waittime.History
	tracker   *calls.Tracker
	commander calls.Commander
	events    analytics.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
	gate      *Gate
	opts      Options

	triggers chan string
	pending  sync.Map
	now      func() time.Time
}

func NewDispatcher(deps Deps, opts Options) *Dispatcher {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxOverflowHops < 1 {
		opts.MaxOverflowHops = 3
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
	if deps.Tracker == nil {
		deps.Tracker = calls.NewTracker(time.Hour)
	}
	if deps.Estimator == nil {
		deps.Estimator = waittime.NewEstimator(deps.Agents, deps.History, 0)
	}
	return &Dispatcher{
		queues:    deps.Queues,
		store:     deps.Store,
		agents:    deps.Agents,
		estimator: deps.Estimator,
		history:   deps.History,
		tracker:   deps.Tracker,
		commander: deps.Commander,
		events:    deps.Events,
		metrics:   deps.Metrics,
		log:       deps.Log,
		gate:      NewGate(opts.ClosedCooldown),
		opts:      opts,
		triggers:  make(chan string, 256),
		now:       time.Now,
	}
}

func (d *Dispatcher) Gate() *Gate { return d.gate }

func (d *Dispatcher) Tracker() *calls.Tracker { return d.tracker }

// Match is one completed assignment.
type Match struct {
	Call  queues.QueuedCall
	Agent agents.Agent
}

// DispatchQueue runs one cycle for a queue snapshot: it assigns heads until
// the queue is empty or no agent can be claimed, then evicts calls that have
// waited past max_wait_time.
func (d *Dispatcher) DispatchQueue(ctx context.Context, q queues.Queue) ([]Match, error) {
	var matched []Match
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		m, err := d.DispatchOnce(ctx, q)
		switch {
		case err == nil:
			matched = append(matched, m)
			continue
		case errors.Is(err, errHeadMoved) && attempt < 64:
			continue
		case errors.Is(err, ErrQueueEmpty):
			return matched, nil
		case errors.Is(err, ErrNoEligibleAgent), errors.Is(err, ErrClaimConflict), errors.Is(err, errHeadMoved):
			if _, everr := d.EvictExpired(ctx, q); everr != nil {
				return matched, everr
			}
			return matched, err
		default:
			return matched, err
		}
	}
}

// DispatchOnce tries to assign the current head of q.
func (d *Dispatcher) DispatchOnce(ctx context.Context, q queues.Queue) (Match, error) {
	head, ok, err := d.store.Head(ctx, q.ID)
	if err != nil {
		return Match{}, err
	}
	if !ok {
		return Match{}, ErrQueueEmpty
	}

	candidates, err := d.agents.FindEligible(ctx, q.WorkspaceID, q.SkillRequirements)
	if err != nil {
		return Match{}, err
	}
	if len(candidates) == 0 {
		return Match{}, ErrNoEligibleAgent
	}

	agent, err := d.claimFirst(ctx, candidates)
	if err != nil {
		return Match{}, err
	}

	taken, ok, err := d.store.Take(ctx, q.ID, head.CallID)
	if err != nil || !ok {
		d.release(ctx, agent.ID)
		if err != nil {
			return Match{}, err
		}
		return Match{}, errHeadMoved
	}

	now := d.now().UTC()
	a := calls.Assignment{
		CallID:      taken.CallID,
		WorkspaceID: q.WorkspaceID,
		AgentID:     agent.ID,
		QueueID:     q.ID,
		Caller:      taken.Caller,
		Priority:    taken.Priority,
		QueuedAt:    taken.QueuedAt,
		AssignedAt:  now,
	}
	if err := d.tracker.Assign(a); err != nil {
		// the caller hung up after the take
		d.release(ctx, agent.ID)
		if errors.Is(err, calls.ErrCallEnded) {
			d.abandoned(ctx, taken)
		}
		return Match{}, errHeadMoved
	}
	d.publish(ctx, analytics.Event{WorkspaceID: q.WorkspaceID, Type: analytics.EventDequeued, CallID: a.CallID, QueueID: q.ID})

	if d.Handoff != nil {
		if err := d.Handoff.Connect(ctx, a, agent); err != nil {
			d.log.Warn("handoff failed", "call_id", a.CallID, "agent_id", agent.ID, "queue_id", q.ID, "error", err)
			if _, still := d.tracker.Unassign(a.CallID); still {
				d.release(ctx, agent.ID)
				d.restore(ctx, q, taken)
			}
			return Match{}, fmt.Errorf("%w: %v", ErrHandoffFailed, err)
		}
	}

	d.metrics.Assignments.Inc()
	d.publish(ctx, analytics.Event{WorkspaceID: q.WorkspaceID, Type: analytics.EventAssigned, CallID: a.CallID, QueueID: q.ID, AgentID: agent.ID})
	if d.Notifier != nil {
		d.Notifier.NotifyAssigned(ctx, a, agent)
	}
	d.log.Info("call assigned", "call_id", a.CallID, "agent_id", agent.ID, "queue_id", q.ID, "waited", now.Sub(taken.QueuedAt).String())
	return Match{Call: taken, Agent: agent}, nil
}

// claimFirst claims candidates in order; a lost race moves on to the next one.
func (d *Dispatcher) claimFirst(ctx context.Context, candidates []agents.Agent) (agents.Agent, error) {
	for _, c := range candidates {
		ok, err := d.agents.Claim(ctx, c.ID)
		if errors.Is(err, agents.ErrNotFound) {
			continue
		}
		if err != nil {
			return agents.Agent{}, err
		}
		if ok {
			c.CurrentCalls++
			return c, nil
		}
		d.metrics.ClaimConflicts.Inc()
	}
	return agents.Agent{}, ErrClaimConflict
}

// restore puts a call back after a failed hand-off, keeping its place.
func (d *Dispatcher) restore(ctx context.Context, q queues.Queue, c queues.QueuedCall) {
	c.Position, c.EstimatedWait = 0, 0
	if _, err := d.store.Enqueue(ctx, q, c); err != nil {
		d.log.Error("restore after failed handoff", "call_id", c.CallID, "queue_id", q.ID, "error", err)
		if _, err := d.overflow(ctx, requestFor(c), q, "handoff_failed", err, 0); err != nil {
			d.log.Error("overflow after failed handoff", "call_id", c.CallID, "error", err)
		}
		return
	}
	d.publish(ctx, analytics.Event{WorkspaceID: q.WorkspaceID, Type: analytics.EventRequeued, CallID: c.CallID, QueueID: q.ID, Reason: "handoff_failed"})
}

// EvictExpired sends calls that waited past max_wait_time to the overflow destination.
func (d *Dispatcher) EvictExpired(ctx context.Context, q queues.Queue) (int, error) {
	if q.MaxWaitTime <= 0 {
		return 0, nil
	}
	list, err := d.store.List(ctx, q.ID)
	if err != nil {
		return 0, err
	}
	now := d.now()
	evicted := 0
	for _, c := range list {
		if !q.Expired(c, now) {
			continue
		}
		taken, ok, err := d.store.Take(ctx, q.ID, c.CallID)
		if err != nil {
			return evicted, err
		}
		if !ok {
			continue
		}
		evicted++
		d.metrics.QueueEvictions.WithLabelValues("max_wait").Inc()
		d.publish(ctx, analytics.Event{WorkspaceID: q.WorkspaceID, Type: analytics.EventEvicted, CallID: taken.CallID, QueueID: q.ID, Reason: "max_wait"})
		d.log.Info("call evicted", "call_id", taken.CallID, "queue_id", q.ID, "reason", "max_wait", "overflow", string(q.Overflow.Kind))

		if _, err := d.overflow(ctx, requestFor(taken), q, "max_wait", nil, 0); err != nil {
			d.log.Error("overflow after eviction", "call_id", taken.CallID, "queue_id", q.ID, "error", err)
		}
	}
	return evicted, nil
}

// Complete ends an agent's work on a call: capacity is released and the
// service time goes into the queue's history.
func (d *Dispatcher) Complete(ctx context.Context, callID string) error {
	a, ok := d.tracker.Unassign(callID)
	if !ok {
		return calls.ErrNotAssigned
	}
	d.finish(ctx, a)
	return nil
}

// EndCall tears down routing state for a call that hung up. It is idempotent.
// An assigned call releases its agent; a queued call is removed as abandoned.
func (d *Dispatcher) EndCall(ctx context.Context, callID string) error {
	if a, ok := d.tracker.End(callID); ok {
		d.finish(ctx, a)
		return nil
	}
	c, ok, err := d.store.Remove(ctx, callID)
	if err != nil {
		return err
	}
	if ok {
		d.abandoned(ctx, c)
	}
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, a calls.Assignment) {
	d.release(ctx, a.AgentID)
	if d.history != nil && a.QueueID != "" {
		if err := d.history.Record(ctx, a.QueueID, d.now().Sub(a.AssignedAt)); err != nil {
			d.log.Warn("record service time", "queue_id", a.QueueID, "error", err)
		}
	}
	d.AgentReleased(ctx, a.AgentID)
}

func (d *Dispatcher) abandoned(ctx context.Context, c queues.QueuedCall) {
	d.metrics.QueueAbandoned.Inc()
	d.publish(ctx, analytics.Event{WorkspaceID: c.WorkspaceID, Type: analytics.EventAbandoned, CallID: c.CallID, QueueID: c.QueueID})
}

// Requeue returns an assigned-then-orphaned call to its queue with its
// original queued_at. Calls that never came from a queue are hung up.
func (d *Dispatcher) Requeue(ctx context.Context, a calls.Assignment) error {
	if a.QueueID == "" {
		return d.commander.Hangup(ctx, a.CallID)
	}
	adm, err := d.admit(ctx, AdmitRequest{
		CallID:      a.CallID,
		WorkspaceID: a.WorkspaceID,
		QueueID:     a.QueueID,
		Caller:      a.Caller,
		Priority:    a.Priority,
		QueuedAt:    a.QueuedAt,
	}, 0)
	if err != nil {
		return err
	}
	if adm.Outcome == OutcomeQueued {
		d.publish(ctx, analytics.Event{WorkspaceID: a.WorkspaceID, Type: analytics.EventRequeued, CallID: a.CallID, QueueID: adm.QueueID})
	}
	return nil
}

// AgentReleased triggers every active queue the agent can serve, highest priority first.
func (d *Dispatcher) AgentReleased(ctx context.Context, agentID string) {
	agent, err := d.agents.Get(ctx, agentID)
	if err != nil {
		d.log.Warn("agent released lookup", "agent_id", agentID, "error", err)
		return
	}
	list, err := d.queues.List(ctx, agent.WorkspaceID)
	if err != nil {
		d.log.Warn("agent released queues", "agent_id", agentID, "error", err)
		return
	}
	for _, q := range list {
		if q.IsActive && agent.HasSkills(q.SkillRequirements) {
			d.Trigger(q.ID)
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, agentID string) {
	if err := d.agents.Release(ctx, agentID); err != nil {
		d.log.Error("release agent capacity", "agent_id", agentID, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, e analytics.Event) {
	d.events.Publish(ctx, e)
}
