package queues

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps membership in process under one lock.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]map[string]QueuedCall
	index  map[string]string
	seq    int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]map[string]QueuedCall),
		index:  make(map[string]string),
		now:    time.Now,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, q Queue, c QueuedCall) (QueuedCall, error) {
	if err := validateEntry(q, c); err != nil {
		return QueuedCall{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.index[c.CallID]; ok && cur == q.ID {
		return s.queues[q.ID][c.CallID], nil
	}
	members := s.queues[q.ID]
	if q.MaxQueueSize > 0 && len(members) >= q.MaxQueueSize {
		return QueuedCall{}, ErrQueueFull
	}
	if prev, ok := s.index[c.CallID]; ok {
		delete(s.queues[prev], c.CallID)
	}
	if members == nil {
		members = make(map[string]QueuedCall)
		s.queues[q.ID] = members
	}

	s.seq++
	c.QueueID = q.ID
	c.WorkspaceID = q.WorkspaceID
	c.Seq = s.seq
	if c.QueuedAt.IsZero() {
		c.QueuedAt = s.now().UTC()
	}
	c.Position = 0
	c.EstimatedWait = 0
	members[c.CallID] = c
	s.index[c.CallID] = q.ID
	return c, nil
}

func (s *MemoryStore) Head(ctx context.Context, queueID string) (QueuedCall, bool, error) {
	list, err := s.List(ctx, queueID)
	if err != nil || len(list) == 0 {
		return QueuedCall{}, false, err
	}
	return list[0], true, nil
}

func (s *MemoryStore) DequeueHead(ctx context.Context, queueID string) (QueuedCall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.orderedLocked(queueID)
	if len(list) == 0 {
		return QueuedCall{}, false, nil
	}
	head := list[0]
	s.deleteLocked(queueID, head.CallID)
	return head, true, nil
}

func (s *MemoryStore) Take(ctx context.Context, queueID, callID string) (QueuedCall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index[callID] != queueID {
		return QueuedCall{}, false, nil
	}
	c := s.queues[queueID][callID]
	s.deleteLocked(queueID, callID)
	return c, true, nil
}

func (s *MemoryStore) Remove(ctx context.Context, callID string) (QueuedCall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueID, ok := s.index[callID]
	if !ok {
		return QueuedCall{}, false, nil
	}
	c := s.queues[queueID][callID]
	s.deleteLocked(queueID, callID)
	return c, true, nil
}

func (s *MemoryStore) List(ctx context.Context, queueID string) ([]QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedLocked(queueID), nil
}

func (s *MemoryStore) Locate(ctx context.Context, callID string) (QueuedCall, bool, error) {
	s.mu.Lock()
	queueID, ok := s.index[callID]
	s.mu.Unlock()
	if !ok {
		return QueuedCall{}, false, nil
	}
	list, err := s.List(ctx, queueID)
	if err != nil {
		return QueuedCall{}, false, err
	}
	for _, c := range list {
		if c.CallID == callID {
			return c, true, nil
		}
	}
	return QueuedCall{}, false, nil
}

func (s *MemoryStore) Len(ctx context.Context, queueID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queueID]), nil
}

func (s *MemoryStore) orderedLocked(queueID string) []QueuedCall {
	members := s.queues[queueID]
	out := make([]QueuedCall, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	Order(out)
	return out
}

func (s *MemoryStore) deleteLocked(queueID, callID string) {
	delete(s.queues[queueID], callID)
	delete(s.index, callID)
}
