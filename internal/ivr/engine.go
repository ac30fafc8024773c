package ivr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callcenter-platform/internal/actions"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/pkg/logger"

	"github.com/patrickmn/go-cache"
)

// Result is what the engine wants done after a step. Exactly one of Prompt
// (while awaiting input) or Action (terminal) is meaningful.
type Result struct {
	CallID string
	MenuID string

	Prompt calls.Prompt
	Action actions.Action

	// Failure is ErrInvalidInput or ErrInputTimeout when this step counted a retry.
	Failure error
}

// Done reports whether the engine has finished with the call.
func (r Result) Done() bool { return r.Action != nil }

// TimeoutFunc receives results produced by the engine's own input timer.
type TimeoutFunc func(ctx context.Context, res Result)

type Deps struct {
	Menus    Repository
	Resolver Resolver
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// SessionTTL bounds how long an abandoned session is kept.
	SessionTTL time.Duration
	// PromptAllowance is added to the menu timeout before the engine counts a
	// missed input itself. The carrier's input window opens only after the
	// prompt has played, and its empty gather result is the primary signal.
	PromptAllowance time.Duration
	// OnTimeout is called when no input arrives in time. Nil disables the timer.
	OnTimeout TimeoutFunc
}

// DefaultPromptAllowance covers a long welcome recording.
const DefaultPromptAllowance = 30 * time.Second

// Engine walks callers through menu trees. One session per call; all work
// on a session happens under its lock.
type Engine struct {
	menus     Repository
	resolver  Resolver
	metrics   *metrics.Metrics
	log       *slog.Logger
	onTimeout TimeoutFunc
	allowance time.Duration
	sessions  *cache.Cache
}

type session struct {
	mu          sync.Mutex
	callID      string
	workspaceID string
	menu        Menu
	path        []string
	retries     int
	gen         uint64
	timer       *time.Timer
	done        bool
}

func NewEngine(deps Deps) *Engine {
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = 2 * time.Hour
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.PromptAllowance <= 0 {
		deps.PromptAllowance = DefaultPromptAllowance
	}
	return &Engine{
		menus:     deps.Menus,
		resolver:  deps.Resolver,
		metrics:   deps.Metrics,
		log:       deps.Log,
		onTimeout: deps.OnTimeout,
		allowance: deps.PromptAllowance,
		sessions:  cache.New(deps.SessionTTL, deps.SessionTTL/2),
	}
}

// Start enters the root menu for a call and plays its welcome prompt.
func (e *Engine) Start(ctx context.Context, callID, workspaceID, menuID string) (Result, error) {
	m, err := e.menus.Get(ctx, menuID)
	if err != nil {
		return Result{}, err
	}
	if m.WorkspaceID != workspaceID {
		return Result{}, ErrMenuNotFound
	}
	e.End(callID)

	s := &session{callID: callID, workspaceID: workspaceID, menu: m, path: []string{m.ID}}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.sessions.SetDefault(callID, s)
	return e.await(s, m.WelcomeMessage, nil), nil
}

// Input feeds one caller input into the session. An empty input counts as a timeout.
func (e *Engine) Input(ctx context.Context, callID, digits string) (Result, error) {
	s, err := e.session(callID)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return Result{}, ErrNoSession
	}
	s.stopTimer()
	s.gen++

	if digits == "" {
		return e.fail(s, ErrInputTimeout), nil
	}
	// the first key is the choice; extra keys from a multi-digit gather are ignored
	digit := digits[:1]
	a, ok := s.menu.Options[digit]
	if !ok {
		e.log.Debug("ivr unmatched input", "call_id", callID, "menu_id", s.menu.ID, "digit", digit)
		return e.fail(s, ErrInvalidInput), nil
	}

	if hook, isHook := a.(actions.Webhook); isHook {
		a, err = e.resolve(ctx, s, hook, digits)
		if err != nil {
			e.log.Warn("ivr webhook failed", "call_id", callID, "menu_id", s.menu.ID, "url", hook.URL, "error", err)
			return e.fail(s, ErrInvalidInput), nil
		}
	}
	e.metrics.IVRInputs.WithLabelValues("matched").Inc()

	if sub, isSub := a.(actions.Submenu); isSub {
		next, err := e.menus.Get(ctx, sub.MenuID)
		if err != nil || next.WorkspaceID != s.workspaceID {
			e.log.Error("ivr submenu missing", "call_id", callID, "menu_id", s.menu.ID, "submenu_id", sub.MenuID, "error", err)
			return e.finish(s, s.menu.fallback()), nil
		}
		s.menu = next
		s.path = append(s.path, next.ID)
		s.retries = 0
		return e.await(s, next.WelcomeMessage, nil), nil
	}
	return e.finish(s, a), nil
}

// Timeout counts a missed input. It is what the input timer calls.
func (e *Engine) Timeout(ctx context.Context, callID string) (Result, error) {
	return e.Input(ctx, callID, "")
}

// End drops the session. It is idempotent.
func (e *Engine) End(callID string) {
	v, ok := e.sessions.Get(callID)
	if !ok {
		return
	}
	s := v.(*session)
	s.mu.Lock()
	e.closeSession(s)
	s.mu.Unlock()
}

// Active reports whether the call is in a menu.
func (e *Engine) Active(callID string) bool {
	_, ok := e.sessions.Get(callID)
	return ok
}

// Path returns the menus visited by the call, root first.
func (e *Engine) Path(callID string) []string {
	s, err := e.session(callID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.path...)
}

func (e *Engine) session(callID string) (*session, error) {
	v, ok := e.sessions.Get(callID)
	if !ok {
		return nil, ErrNoSession
	}
	return v.(*session), nil
}

func (e *Engine) resolve(ctx context.Context, s *session, hook actions.Webhook, digits string) (actions.Action, error) {
	if e.resolver == nil {
		return nil, ErrInvalidInput
	}
	return e.resolver.Resolve(ctx, hook, WebhookRequest{
		CallID:      s.callID,
		WorkspaceID: s.workspaceID,
		MenuID:      s.menu.ID,
		Digits:      digits,
	})
}

// fail counts a retry. Past MaxRetries the session ends with the fallback.
// Must hold s.mu.
func (e *Engine) fail(s *session, cause error) Result {
	result := "invalid"
	msg := s.menu.InvalidMessage
	if errors.Is(cause, ErrInputTimeout) {
		result = "timeout"
		msg = s.menu.TimeoutMessage
	}
	e.metrics.IVRInputs.WithLabelValues(result).Inc()

	s.retries++
	if s.retries > s.menu.MaxRetries {
		e.metrics.IVRFallbacks.Inc()
		e.log.Info("ivr retries exhausted", "call_id", s.callID, "menu_id", s.menu.ID, "retries", s.retries)
		res := e.finish(s, s.menu.fallback())
		res.Failure = cause
		return res
	}
	if msg == "" {
		msg = s.menu.WelcomeMessage
	}
	return e.await(s, msg, cause)
}

// await plays msg, gathers one digit and arms the input timer. Must hold s.mu.
func (e *Engine) await(s *session, msg string, cause error) Result {
	e.armTimer(s)
	return Result{
		CallID: s.callID,
		MenuID: s.menu.ID,
		Prompt: calls.Prompt{
			Text:      msg,
			Gather:    true,
			NumDigits: 1,
			Timeout:   s.menu.timeout(),
		},
		Failure: cause,
	}
}

// finish ends the session with a terminal action. Must hold s.mu.
func (e *Engine) finish(s *session, a actions.Action) Result {
	menuID := s.menu.ID
	e.closeSession(s)
	e.log.Info("ivr finished", "call_id", s.callID, "menu_id", menuID, "action", string(a.Kind()), "value", a.Value())
	return Result{CallID: s.callID, MenuID: menuID, Action: a}
}

// closeSession must hold s.mu.
func (e *Engine) closeSession(s *session) {
	s.done = true
	s.stopTimer()
	if v, ok := e.sessions.Get(s.callID); ok && v.(*session) == s {
		e.sessions.Delete(s.callID)
	}
}

// armTimer starts the backstop for a gather whose result never arrives.
// Any input, including the carrier's empty result, bumps gen and stops it.
func (e *Engine) armTimer(s *session) {
	if e.onTimeout == nil {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.menu.timeout()+e.allowance, func() {
		e.expire(s, gen)
	})
}

func (e *Engine) expire(s *session, gen uint64) {
	s.mu.Lock()
	if s.done || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	res := e.fail(s, ErrInputTimeout)
	s.mu.Unlock()

	e.onTimeout(context.Background(), res)
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
