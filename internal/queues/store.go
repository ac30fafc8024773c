package queues

import (
	"context"
	"errors"
)

var (
	ErrQueueFull    = errors.New("queues: queue is full")
	ErrNotFound     = errors.New("queues: queue not found")
	ErrInvalidQueue = errors.New("queues: invalid queue")
	ErrInvalidCall  = errors.New("queues: invalid queued call")
)

// Store holds queue membership.
//
// Membership is linearizable: a call is in at most one queue, and Take/Remove
// succeed for exactly one caller. Ordering is recomputed on every read.
type Store interface {
	// Enqueue adds the call to q. A call already in q is returned unchanged; a call
	// in another queue is moved. A zero QueuedAt is set to now; a set one is kept.
	Enqueue(ctx context.Context, q Queue, c QueuedCall) (QueuedCall, error)

	Head(ctx context.Context, queueID string) (QueuedCall, bool, error)
	DequeueHead(ctx context.Context, queueID string) (QueuedCall, bool, error)

	// Take removes callID only if it is currently in queueID.
	Take(ctx context.Context, queueID, callID string) (QueuedCall, bool, error)
	// Remove removes callID from whichever queue holds it.
	Remove(ctx context.Context, callID string) (QueuedCall, bool, error)

	List(ctx context.Context, queueID string) ([]QueuedCall, error)
	Locate(ctx context.Context, callID string) (QueuedCall, bool, error)
	Len(ctx context.Context, queueID string) (int, error)
}

func validateEntry(q Queue, c QueuedCall) error {
	if q.ID == "" {
		return ErrInvalidQueue
	}
	if c.CallID == "" {
		return ErrInvalidCall
	}
	return nil
}

// dequeueByTake implements DequeueHead on top of List and Take for stores
// that cannot pick the head atomically.
func dequeueByTake(ctx context.Context, s Store, queueID string) (QueuedCall, bool, error) {
	for attempt := 0; attempt < 8; attempt++ {
		head, ok, err := s.Head(ctx, queueID)
		if err != nil || !ok {
			return QueuedCall{}, false, err
		}
		taken, ok, err := s.Take(ctx, queueID, head.CallID)
		if err != nil {
			return QueuedCall{}, false, err
		}
		if ok {
			return taken, true, nil
		}
	}
	return QueuedCall{}, false, nil
}
