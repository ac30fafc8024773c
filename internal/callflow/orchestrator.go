// Package callflow turns carrier call events into work for the IVR and script
// engines, the dispatcher and the transfer coordinator.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"callcenter-platform/internal/actions"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/ivr"
	"callcenter-platform/internal/queues"
	"callcenter-platform/internal/routing"
	"callcenter-platform/internal/script"
	"callcenter-platform/pkg/logger"
)

// Router is the dispatcher surface call flow uses.
type Router interface {
	Admit(ctx context.Context, req routing.AdmitRequest) (routing.Admission, error)
	Position(ctx context.Context, callID string) (queues.QueuedCall, bool, error)
	EndCall(ctx context.Context, callID string) error
}

// Transfers is the coordinator surface call flow uses.
type Transfers interface {
	Answered(legID string) bool
	LegEnded(legID string) bool
	CallEnded(ctx context.Context, callID string)
}

type Deps struct {
	Entries   Directory
	IVR       *ivr.Engine
	Scripts   *script.Engine
	Router    Router
	Transfers Transfers
	Queues    queues.Repository
	Commander calls.Commander
	Log       *slog.Logger

	// CallTTL bounds how long per-call state is kept for a call that never ends.
	CallTTL time.Duration
}

// Orchestrator owns the per-call path through the routing core.
type Orchestrator struct {
	entries   Directory
	ivr       *ivr.Engine
	scripts   *script.Engine
	router    Router
	transfers Transfers
	queues    queues.Repository
	commander calls.Commander
	log       *slog.Logger
	calls     *cache.Cache
}

type callState struct {
	mu          sync.Mutex
	callID      string
	workspaceID string
	from        string
	entry       EntryPoint
	status      calls.CallStatus
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.CallTTL <= 0 {
		deps.CallTTL = 4 * time.Hour
	}
	return &Orchestrator{
		entries:   deps.Entries,
		ivr:       deps.IVR,
		scripts:   deps.Scripts,
		router:    deps.Router,
		transfers: deps.Transfers,
		queues:    deps.Queues,
		commander: deps.Commander,
		log:       deps.Log,
		calls:     cache.New(deps.CallTTL, deps.CallTTL/4),
	}
}

// HandleEvent applies one inbound call event.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev calls.Event) error {
	if ev.CallID == "" {
		return routing.ErrInvalidCall
	}
	ctx = logger.With(ctx, o.log.With("call_id", ev.CallID, "event", string(ev.Type)))

	switch ev.Type {
	case calls.EventCallArrived:
		return o.arrived(ctx, ev)
	case calls.EventDigitReceived:
		return o.input(ctx, ev)
	case calls.EventCallAnswered:
		o.transfers.Answered(ev.CallID)
		return nil
	case calls.EventCallEnded:
		if o.transfers.LegEnded(ev.CallID) {
			return nil
		}
		return o.Teardown(ctx, ev.CallID)
	default:
		return fmt.Errorf("callflow: unknown event type %q", ev.Type)
	}
}

func (o *Orchestrator) arrived(ctx context.Context, ev calls.Event) error {
	entry, err := o.entries.Resolve(ctx, ev.To)
	if err != nil {
		logger.From(ctx).Warn("no entry point", "to", ev.To, "error", err)
		return errors.Join(err, o.commander.Hangup(ctx, ev.CallID))
	}
	if ev.WorkspaceID != "" && ev.WorkspaceID != entry.WorkspaceID {
		return errors.Join(ErrNoEntryPoint, o.commander.Hangup(ctx, ev.CallID))
	}

	st := &callState{callID: ev.CallID, workspaceID: entry.WorkspaceID, from: ev.From, entry: entry}
	if err := o.calls.Add(ev.CallID, st, cache.DefaultExpiration); err != nil {
		// Carriers retry webhooks; a second arrival for a live call is ignored.
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch entry.Kind {
	case EntryIVR:
		st.status = calls.CallStatusIVR
		res, err := o.ivr.Start(ctx, ev.CallID, entry.WorkspaceID, entry.TargetID)
		if err != nil {
			return o.abort(ctx, st, err)
		}
		return o.applyIVR(ctx, st, res)
	case EntryScript:
		st.status = calls.CallStatusScripted
		res, err := o.scripts.Start(ctx, ev.CallID, entry.WorkspaceID, entry.TargetID, map[string]string{
			"caller": ev.From,
			"number": ev.To,
		})
		if err != nil {
			return o.abort(ctx, st, err)
		}
		return o.applyScript(ctx, st, res)
	default:
		return o.enqueue(ctx, st, entry.TargetID)
	}
}

func (o *Orchestrator) input(ctx context.Context, ev calls.Event) error {
	st, ok := o.state(ev.CallID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case o.ivr.Active(ev.CallID):
		res, err := o.ivr.Input(ctx, ev.CallID, ev.Input())
		if err != nil {
			return o.abort(ctx, st, err)
		}
		return o.applyIVR(ctx, st, res)
	case o.scripts.Active(ev.CallID):
		res, err := o.scripts.Input(ctx, ev.CallID, ev.Input())
		if err != nil {
			return o.abort(ctx, st, err)
		}
		return o.applyScript(ctx, st, res)
	default:
		return nil
	}
}

// IVRTimeout receives results from the IVR engine's own input timer.
func (o *Orchestrator) IVRTimeout(ctx context.Context, res ivr.Result) {
	st, ok := o.state(res.CallID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := o.applyIVR(ctx, st, res); err != nil {
		o.log.Warn("ivr timeout step", "call_id", res.CallID, "error", err)
	}
}

func (o *Orchestrator) applyIVR(ctx context.Context, st *callState, res ivr.Result) error {
	if !res.Done() {
		return o.commander.PlayPrompt(ctx, st.callID, res.Prompt)
	}
	return o.perform(ctx, st, res.Action)
}

func (o *Orchestrator) applyScript(ctx context.Context, st *callState, res script.Result) error {
	for _, p := range res.Prompts {
		if err := o.commander.PlayPrompt(ctx, st.callID, p); err != nil {
			return err
		}
	}
	if !res.Done {
		return nil
	}
	if res.Action != nil {
		return o.perform(ctx, st, res.Action)
	}
	if script.IsAmbiguous(res) {
		logger.From(ctx).Warn("script ended ambiguously", "script_id", res.ScriptID, "step", res.Step)
	}
	if st.entry.FallbackQueueID != "" {
		return o.enqueue(ctx, st, st.entry.FallbackQueueID)
	}
	return o.commander.Hangup(ctx, st.callID)
}

// perform carries out a terminal engine action.
func (o *Orchestrator) perform(ctx context.Context, st *callState, a actions.Action) error {
	switch a := a.(type) {
	case actions.Queue:
		return o.enqueue(ctx, st, a.QueueID)
	case actions.Transfer:
		st.status = calls.CallStatusInProgress
		return o.commander.Transfer(ctx, st.callID, a.Destination)
	case actions.Voicemail:
		st.status = calls.CallStatusCompleted
		return o.commander.Voicemail(ctx, st.callID, a.Mailbox)
	case actions.Hangup:
		st.status = calls.CallStatusCompleted
		return o.commander.Hangup(ctx, st.callID)
	default:
		// Submenus and webhooks are resolved inside the engines.
		return o.abort(ctx, st, fmt.Errorf("callflow: unexpected terminal action %q", a.Kind()))
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, st *callState, queueID string) error {
	adm, err := o.router.Admit(ctx, routing.AdmitRequest{
		CallID:      st.callID,
		WorkspaceID: st.workspaceID,
		QueueID:     queueID,
		Caller:      st.from,
		Priority:    st.entry.Priority,
	})
	if err != nil {
		return o.abort(ctx, st, err)
	}
	if adm.Outcome == routing.OutcomeOverflowed {
		st.status = calls.CallStatusCompleted
		return nil
	}
	st.status = calls.CallStatusQueued

	// The dispatcher may already have handed the call to an agent.
	entry, queued, err := o.router.Position(ctx, st.callID)
	if err != nil || !queued {
		return err
	}
	return o.commander.PlayPrompt(ctx, st.callID, o.holdPrompt(ctx, entry))
}

func (o *Orchestrator) holdPrompt(ctx context.Context, c queues.QueuedCall) calls.Prompt {
	p := calls.Prompt{Text: waitMessage(c.EstimatedWait), Hold: true}
	if q, err := o.queues.Get(ctx, c.QueueID); err == nil {
		p.URL = q.HoldContent
	}
	return p
}

func waitMessage(eta time.Duration) string {
	mins := int(math.Ceil(eta.Minutes()))
	if mins <= 1 {
		return "All of our agents are busy. Your estimated wait time is about one minute."
	}
	return fmt.Sprintf("All of our agents are busy. Your estimated wait time is about %d minutes.", mins)
}

// abort hangs up a call whose flow cannot continue.
func (o *Orchestrator) abort(ctx context.Context, st *callState, cause error) error {
	logger.From(ctx).Error("call flow aborted", "workspace_id", st.workspaceID, "error", cause)
	st.status = calls.CallStatusFailed
	o.ivr.End(st.callID)
	o.scripts.End(st.callID)
	return errors.Join(cause, o.commander.Hangup(ctx, st.callID))
}

// Teardown releases everything held for a call. It is safe to call any
// number of times and from any event path.
func (o *Orchestrator) Teardown(ctx context.Context, callID string) error {
	o.ivr.End(callID)
	o.scripts.End(callID)
	err := o.router.EndCall(ctx, callID)
	o.transfers.CallEnded(ctx, callID)
	o.calls.Delete(callID)
	if err != nil {
		logger.From(ctx).Error("end call", "call_id", callID, "error", err)
	}
	return err
}

// Status reports the call-flow stage of a live call.
func (o *Orchestrator) Status(callID string) (calls.CallStatus, bool) {
	st, ok := o.state(callID)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

func (o *Orchestrator) state(callID string) (*callState, bool) {
	v, ok := o.calls.Get(callID)
	if !ok {
		return nil, false
	}
	return v.(*callState), true
}
