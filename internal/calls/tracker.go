package calls

import (
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	ErrAlreadyAssigned = errors.New("calls: call already assigned")
	ErrNotAssigned     = errors.New("calls: call not assigned")
	ErrCallEnded       = errors.New("calls: call ended")
)

// Assignment attributes one unit of an agent's capacity to a call.
type Assignment struct {
	CallID      string    `json:"call_id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	QueueID     string    `json:"queue_id,omitempty"`
	Caller      string    `json:"caller,omitempty"`
	Priority    int       `json:"priority"`
	QueuedAt    time.Time `json:"queued_at,omitempty"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// Tracker is the authoritative call -> agent attribution for calls in progress.
//
// Ended calls leave a tombstone so a late assignment (a dispatch that raced the
// caller hanging up) is refused instead of leaking agent capacity.
type Tracker struct {
	mu      sync.Mutex
	byCall  map[string]Assignment
	byAgent map[string]map[string]struct{}
	ended   *cache.Cache
}

func NewTracker(tombstoneTTL time.Duration) *Tracker {
	if tombstoneTTL <= 0 {
		tombstoneTTL = time.Hour
	}
	return &Tracker{
		byCall:  make(map[string]Assignment),
		byAgent: make(map[string]map[string]struct{}),
		ended:   cache.New(tombstoneTTL, tombstoneTTL),
	}
}

func (t *Tracker) Assign(a Assignment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, gone := t.ended.Get(a.CallID); gone {
		return ErrCallEnded
	}
	if _, ok := t.byCall[a.CallID]; ok {
		return ErrAlreadyAssigned
	}
	t.byCall[a.CallID] = a
	t.index(a.AgentID, a.CallID)
	return nil
}

func (t *Tracker) Get(callID string) (Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byCall[callID]
	return a, ok
}

// Reassign moves a call to another agent and returns the previous assignment.
func (t *Tracker) Reassign(callID, toAgentID string, now time.Time) (Assignment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.byCall[callID]
	if !ok {
		return Assignment{}, ErrNotAssigned
	}
	next := prev
	next.AgentID = toAgentID
	next.AssignedAt = now
	t.byCall[callID] = next
	t.unindex(prev.AgentID, callID)
	t.index(toAgentID, callID)
	return prev, nil
}

// Unassign removes the assignment; only the first caller gets ok=true.
func (t *Tracker) Unassign(callID string) (Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unassignLocked(callID)
}

// End tombstones the call and returns its assignment if one was still held.
func (t *Tracker) End(callID string) (Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended.SetDefault(callID, struct{}{})
	return t.unassignLocked(callID)
}

// Ended reports whether End was called for the call.
func (t *Tracker) Ended(callID string) bool {
	_, gone := t.ended.Get(callID)
	return gone
}

func (t *Tracker) CallsFor(agentID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byAgent[agentID]))
	for id := range t.byAgent[agentID] {
		out = append(out, id)
	}
	return out
}

func (t *Tracker) Active() []Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Assignment, 0, len(t.byCall))
	for _, a := range t.byCall {
		out = append(out, a)
	}
	return out
}

func (t *Tracker) unassignLocked(callID string) (Assignment, bool) {
	a, ok := t.byCall[callID]
	if !ok {
		return Assignment{}, false
	}
	delete(t.byCall, callID)
	t.unindex(a.AgentID, callID)
	return a, true
}

func (t *Tracker) index(agentID, callID string) {
	set, ok := t.byAgent[agentID]
	if !ok {
		set = make(map[string]struct{})
		t.byAgent[agentID] = set
	}
	set[callID] = struct{}{}
}

func (t *Tracker) unindex(agentID, callID string) {
	set := t.byAgent[agentID]
	delete(set, callID)
	if len(set) == 0 {
		delete(t.byAgent, agentID)
	}
}
