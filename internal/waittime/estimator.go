package waittime

import (
	"context"
	"time"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/queues"
)

const DefaultFallback = 300 * time.Second

// AgentSource is the part of the agent registry the estimator reads.
type AgentSource interface {
	FindEligible(ctx context.Context, workspaceID string, skills []string) ([]agents.Agent, error)
}

// Estimator derives ETA from queue depth, agent supply and service history.
// It holds no state of its own, so repeated calls over unchanged inputs agree.
type Estimator struct {
	agents   AgentSource
	history  History
	fallback time.Duration
}

func NewEstimator(src AgentSource, history History, fallback time.Duration) *Estimator {
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	return &Estimator{agents: src, history: history, fallback: fallback}
}

// ServiceTime returns the rolling average for the queue, or the fallback.
func (e *Estimator) ServiceTime(ctx context.Context, queueID string) (time.Duration, error) {
	if e.history == nil {
		return e.fallback, nil
	}
	avg, ok, err := e.history.Average(ctx, queueID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.fallback, nil
	}
	return avg, nil
}

// Estimate returns callsAhead * avgServiceTime / max(eligibleAgents, 1).
func (e *Estimator) Estimate(ctx context.Context, q queues.Queue, callsAhead int) (time.Duration, error) {
	if callsAhead <= 0 {
		return 0, nil
	}
	avg, err := e.ServiceTime(ctx, q.ID)
	if err != nil {
		return 0, err
	}
	n, err := e.eligible(ctx, q)
	if err != nil {
		return 0, err
	}
	return time.Duration(callsAhead) * avg / time.Duration(n), nil
}

// Annotate fills EstimatedWait on an ordered queue listing. It reads history
// and agent supply once for the whole list.
func (e *Estimator) Annotate(ctx context.Context, q queues.Queue, list []queues.QueuedCall) error {
	if len(list) == 0 {
		return nil
	}
	avg, err := e.ServiceTime(ctx, q.ID)
	if err != nil {
		return err
	}
	n, err := e.eligible(ctx, q)
	if err != nil {
		return err
	}
	for i := range list {
		ahead := list[i].Position - 1
		if ahead < 0 {
			ahead = i
		}
		list[i].EstimatedWait = time.Duration(ahead) * avg / time.Duration(n)
	}
	return nil
}

func (e *Estimator) eligible(ctx context.Context, q queues.Queue) (int, error) {
	list, err := e.agents.FindEligible(ctx, q.WorkspaceID, q.SkillRequirements)
	if err != nil {
		return 0, err
	}
	return max(len(list), 1), nil
}
