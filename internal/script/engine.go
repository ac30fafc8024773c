package script

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"callcenter-platform/internal/actions"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/pkg/logger"

	"github.com/patrickmn/go-cache"
)

// Result is the outcome of entering or answering a step.
//
// Prompts are the rendered messages to play in order. When Await is set the
// last prompt gathers input. When Done is set the run has ended; Action is
// set if it ended on an action step.
type Result struct {
	CallID   string
	ScriptID string
	Step     int

	Prompts []calls.Prompt
	Await   bool

	Done   bool
	Action actions.Action
	Reason string
	Vars   map[string]string
}

type Deps struct {
	Scripts    Repository
	Metrics    *metrics.Metrics
	Log        *slog.Logger
	SessionTTL time.Duration
	// InputTimeout is passed to the carrier for each gather.
	InputTimeout time.Duration
}

// Engine runs scripts, one run per call.
type Engine struct {
	scripts  Repository
	metrics  *metrics.Metrics
	log      *slog.Logger
	timeout  time.Duration
	sessions *cache.Cache
}

type run struct {
	mu      sync.Mutex
	callID  string
	script  Script
	current int
	vars    map[string]string
	last    string
	done    bool
}

func NewEngine(deps Deps) *Engine {
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = 2 * time.Hour
	}
	if deps.InputTimeout <= 0 {
		deps.InputTimeout = 10 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	return &Engine{
		scripts:  deps.Scripts,
		metrics:  deps.Metrics,
		log:      deps.Log,
		timeout:  deps.InputTimeout,
		sessions: cache.New(deps.SessionTTL, deps.SessionTTL/2),
	}
}

// Start begins a script at its lowest-numbered step. vars seeds the bindings
// (caller number, CRM fields).
func (e *Engine) Start(ctx context.Context, callID, workspaceID, scriptID string, vars map[string]string) (Result, error) {
	s, err := e.scripts.Get(ctx, scriptID)
	if err != nil {
		return Result{}, err
	}
	if s.WorkspaceID != workspaceID || !s.IsActive {
		return Result{}, ErrScriptNotFound
	}
	first, ok := s.first()
	if !ok {
		return Result{}, ErrInvalidScript
	}
	e.End(callID)

	r := &run{callID: callID, script: s, vars: maps.Clone(vars)}
	if r.vars == nil {
		r.vars = make(map[string]string)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.sessions.SetDefault(callID, r)
	return e.enter(r, first.Number, false), nil
}

// Input answers the step the run is suspended on.
func (e *Engine) Input(ctx context.Context, callID, response string) (Result, error) {
	v, ok := e.sessions.Get(callID)
	if !ok {
		return Result{}, ErrNoSession
	}
	r := v.(*run)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return Result{}, ErrNoSession
	}
	step, ok := r.script.step(r.current)
	if !ok || !step.awaits() {
		return Result{}, ErrNotAwaiting
	}

	response = strings.TrimSpace(response)
	r.last = response
	if step.Variable != "" {
		r.vars[step.Variable] = response
	}
	next, explicit := nextStep(step, response)
	return e.enter(r, next, explicit), nil
}

// End drops the run. It is idempotent.
func (e *Engine) End(callID string) {
	v, ok := e.sessions.Get(callID)
	if !ok {
		return
	}
	r := v.(*run)
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	e.sessions.Delete(callID)
}

func (e *Engine) Active(callID string) bool {
	_, ok := e.sessions.Get(callID)
	return ok
}

// nextStep picks a satisfied condition target, then next_step, then n+1.
// explicit is false only for the implicit n+1 fall-through.
func nextStep(step Step, response string) (int, bool) {
	if c := step.Condition; c != nil && Evaluate(*c, response) {
		return c.Target, true
	}
	if step.NextStep != 0 {
		return step.NextStep, true
	}
	return step.Number + 1, false
}

// enter runs steps from n until one suspends or the run ends. Must hold r.mu.
func (e *Engine) enter(r *run, n int, explicit bool) Result {
	res := Result{CallID: r.callID, ScriptID: r.script.ID}
	// a step graph with a cycle of non-awaiting steps must not spin
	for hops := 0; hops <= len(r.script.Steps); hops++ {
		step, ok := r.script.step(n)
		if !ok {
			if explicit {
				e.log.Warn("script branch target missing", "call_id", r.callID, "script_id", r.script.ID,
					"from_step", r.current, "target", n, "error", ErrTerminationAmbiguity)
				return e.end(r, res, "ambiguous")
			}
			return e.end(r, res, "completed")
		}
		r.current = step.Number
		res.Step = step.Number

		if text := Render(step.Content, r.vars); text != "" {
			res.Prompts = append(res.Prompts, calls.Prompt{Text: text})
		}
		if step.Type == StepAction {
			res.Action = step.Action
			return e.end(r, res, "action")
		}
		if step.awaits() {
			if len(res.Prompts) == 0 {
				res.Prompts = append(res.Prompts, calls.Prompt{})
			}
			last := &res.Prompts[len(res.Prompts)-1]
			last.Gather = true
			last.Speech = true
			last.Timeout = e.timeout
			res.Await = true
			res.Vars = maps.Clone(r.vars)
			return res
		}
		// message and bare condition steps branch on the latest response
		n, explicit = nextStep(step, r.last)
	}
	e.log.Warn("script step loop", "call_id", r.callID, "script_id", r.script.ID, "step", n, "error", ErrTerminationAmbiguity)
	return e.end(r, res, "loop")
}

// end must hold r.mu.
func (e *Engine) end(r *run, res Result, reason string) Result {
	r.done = true
	if v, ok := e.sessions.Get(r.callID); ok && v.(*run) == r {
		e.sessions.Delete(r.callID)
	}
	e.metrics.ScriptTerminations.WithLabelValues(reason).Inc()
	e.log.Info("script ended", "call_id", r.callID, "script_id", r.script.ID, "step", r.current, "reason", reason)
	res.Done = true
	res.Reason = reason
	res.Vars = maps.Clone(r.vars)
	return res
}

// IsAmbiguous reports whether a result ended on a dangling branch.
func IsAmbiguous(res Result) bool {
	return res.Done && res.Reason == "ambiguous"
}

