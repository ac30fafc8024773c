package agents

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("agents: agent not found")
	ErrInvalidAgent     = errors.New("agents: invalid agent")
	ErrInvalidStatus    = errors.New("agents: status must be available, away or offline")
	ErrNothingToRelease = errors.New("agents: no claimed capacity to release")
	ErrCapacityInUse    = errors.New("agents: max concurrent calls below calls in progress")
)

// Registry is the source of truth for agent availability and capacity.
//
// Claim is the only operation that needs mutual exclusion: it increments
// CurrentCalls only when the agent is available and below capacity, as one
// atomic step. Implementations must never read-then-write.
type Registry interface {
	// Upsert writes directory fields. CurrentCalls of an existing agent is
	// preserved, and a MaxConcurrentCalls below it fails with ErrCapacityInUse.
	Upsert(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context, workspaceID string) ([]Agent, error)

	// FindEligible returns agents that could take a call with the given skill needs, in claim order.
	FindEligible(ctx context.Context, workspaceID string, skills []string) ([]Agent, error)

	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, s Status) error
}

func validate(a Agent) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.WorkspaceID) == "" {
		return ErrInvalidAgent
	}
	if a.MaxConcurrentCalls < 1 {
		return ErrInvalidAgent
	}
	switch a.Presence {
	case PresenceAvailable, PresenceAway, PresenceOffline:
	default:
		return ErrInvalidAgent
	}
	return nil
}

func filterEligible(all []Agent, workspaceID string, skills []string) []Agent {
	out := make([]Agent, 0, len(all))
	for _, a := range all {
		if a.WorkspaceID == workspaceID && a.Eligible(skills) {
			out = append(out, a)
		}
	}
	SortEligible(out)
	return out
}
