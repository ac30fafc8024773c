package queues

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Repository stores queue configuration.
type Repository interface {
	Get(ctx context.Context, id string) (Queue, error)
	List(ctx context.Context, workspaceID string) ([]Queue, error)
	// ListActive returns active queues across all workspaces; the dispatcher sweep uses it.
	ListActive(ctx context.Context) ([]Queue, error)
	Save(ctx context.Context, q Queue) error
}

// Validate checks a queue definition before it is stored.
func Validate(q Queue) error {
	if strings.TrimSpace(q.ID) == "" || strings.TrimSpace(q.WorkspaceID) == "" {
		return ErrInvalidQueue
	}
	if q.MaxQueueSize < 0 || q.MaxWaitTime < 0 {
		return ErrInvalidQueue
	}
	switch q.Overflow.Kind {
	case OverflowNone, OverflowHangup:
	case OverflowQueue, OverflowVoicemail, OverflowTransfer:
		if strings.TrimSpace(q.Overflow.Target) == "" {
			return ErrInvalidQueue
		}
		if q.Overflow.Kind == OverflowQueue && q.Overflow.Target == q.ID {
			return ErrInvalidQueue
		}
	default:
		return ErrInvalidQueue
	}
	return nil
}

// MemoryRepo is an in-memory queue configuration repository.
type MemoryRepo struct {
	mu     sync.RWMutex
	queues map[string]Queue
	now    func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{queues: make(map[string]Queue), now: time.Now}
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	if !ok {
		return Queue{}, ErrNotFound
	}
	return cloneQueue(q), nil
}

func (r *MemoryRepo) List(ctx context.Context, workspaceID string) ([]Queue, error) {
	return r.filter(func(q Queue) bool { return q.WorkspaceID == workspaceID }), nil
}

func (r *MemoryRepo) ListActive(ctx context.Context) ([]Queue, error) {
	return r.filter(func(q Queue) bool { return q.IsActive }), nil
}

func (r *MemoryRepo) Save(ctx context.Context, q Queue) error {
	if err := Validate(q); err != nil {
		return err
	}
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.queues[q.ID]; ok {
		q.CreatedAt = prev.CreatedAt
	} else {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	r.queues[q.ID] = cloneQueue(q)
	return nil
}

func (r *MemoryRepo) filter(keep func(Queue) bool) []Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Queue
	for _, q := range r.queues {
		if keep(q) {
			out = append(out, cloneQueue(q))
		}
	}
	SortByPriority(out)
	return out
}

// SortByPriority orders queues by priority desc, then id.
func SortByPriority(list []Queue) {
	slices.SortFunc(list, func(a, b Queue) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func cloneQueue(q Queue) Queue {
	q.SkillRequirements = slices.Clone(q.SkillRequirements)
	return q
}
