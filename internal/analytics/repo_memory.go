package analytics

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only sink useful for tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Write(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Recorder is a synchronous Publisher for tests.
type Recorder struct {
	MemoryRepo
}

func (r *Recorder) Publish(ctx context.Context, e Event) { _ = r.Write(ctx, e) }

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
