package routing

import "errors"

var (
	// ErrNoEligibleAgent is transient: the call stays queued.
	ErrNoEligibleAgent = errors.New("routing: no eligible agent")
	// ErrClaimConflict means every candidate was claimed by a concurrent dispatcher first.
	ErrClaimConflict = errors.New("routing: agent claim conflict")
	// ErrQueueClosed means admissions are suspended after a store failure.
	ErrQueueClosed   = errors.New("routing: queue closed to new calls")
	ErrQueueInactive = errors.New("routing: queue is inactive")
	ErrQueueEmpty    = errors.New("routing: queue is empty")
	ErrInvalidCall   = errors.New("routing: call_id, workspace_id and queue_id required")
	ErrHandoffFailed = errors.New("routing: handoff to agent failed")

	// errHeadMoved means the head was taken or ended between read and take.
	errHeadMoved = errors.New("routing: queue head moved")
)
