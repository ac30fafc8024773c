package agents

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	mu sync.Mutex
	a  Agent
}

// MemoryRegistry keeps agents in process. Each agent has its own lock, so a
// claim only contends with claims on the same agent.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*memoryEntry
	now    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]*memoryEntry), now: time.Now}
}

func (r *MemoryRegistry) Upsert(ctx context.Context, a Agent) error {
	if err := validate(a); err != nil {
		return err
	}
	a.Skills = slices.Clone(a.Skills)
	a.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	e, ok := r.agents[a.ID]
	if !ok {
		a.CurrentCalls = 0
		r.agents[a.ID] = &memoryEntry{a: a}
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if a.MaxConcurrentCalls < e.a.CurrentCalls {
		return ErrCapacityInUse
	}
	a.CurrentCalls = e.a.CurrentCalls
	e.a = a
	return nil
}

func (r *MemoryRegistry) entry(id string) (*memoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (Agent, error) {
	e, err := r.entry(id)
	if err != nil {
		return Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (r *MemoryRegistry) List(ctx context.Context, workspaceID string) ([]Agent, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		a := e.snapshot()
		e.mu.Unlock()
		if a.WorkspaceID == workspaceID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y Agent) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *MemoryRegistry) FindEligible(ctx context.Context, workspaceID string, skills []string) ([]Agent, error) {
	all, err := r.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return filterEligible(all, workspaceID, skills), nil
}

func (r *MemoryRegistry) Claim(ctx context.Context, id string) (bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.Presence != PresenceAvailable || e.a.CurrentCalls >= e.a.MaxConcurrentCalls {
		return false, nil
	}
	e.a.CurrentCalls++
	e.a.UpdatedAt = r.now().UTC()
	return true, nil
}

func (r *MemoryRegistry) Release(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.CurrentCalls <= 0 {
		return ErrNothingToRelease
	}
	e.a.CurrentCalls--
	e.a.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRegistry) SetStatus(ctx context.Context, id string, s Status) error {
	p, err := presenceFor(s)
	if err != nil {
		return err
	}
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.a.Presence = p
	e.a.UpdatedAt = r.now().UTC()
	return nil
}

func (e *memoryEntry) snapshot() Agent {
	a := e.a
	a.Skills = slices.Clone(e.a.Skills)
	return a
}
