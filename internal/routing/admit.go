package routing

import (
	"context"
	"errors"
	"time"

	"callcenter-platform/internal/analytics"
	"callcenter-platform/internal/queues"
)

type Outcome string

const (
	// OutcomeQueued means the call waits in the queue it asked for.
	OutcomeQueued Outcome = "queued"
	// OutcomeRerouted means the call waits in an overflow queue instead.
	OutcomeRerouted Outcome = "rerouted"
	// OutcomeOverflowed means the call left queueing for a terminal overflow action.
	OutcomeOverflowed Outcome = "overflowed"
)

type AdmitRequest struct {
	CallID      string    `json:"call_id"`
	WorkspaceID string    `json:"workspace_id"`
	QueueID     string    `json:"queue_id"`
	Caller      string    `json:"caller"`
	Priority    int       `json:"priority"`
	QueuedAt    time.Time `json:"queued_at,omitempty"`
}

// Admission reports where an offered call ended up.
type Admission struct {
	Outcome  Outcome           `json:"outcome"`
	QueueID  string            `json:"queue_id"`
	Entry    queues.QueuedCall `json:"entry"`
	ETA      time.Duration     `json:"eta"`
	Overflow queues.Overflow   `json:"overflow"`
	Reason   string            `json:"reason,omitempty"`

	// Cause is the error that forced overflow, e.g. queues.ErrQueueFull.
	Cause error `json:"-"`
}

// Admit offers a call to a queue. A full, inactive or closed queue is not an
// error: the call goes to the queue's overflow destination and the returned
// Admission says so.
func (d *Dispatcher) Admit(ctx context.Context, req AdmitRequest) (Admission, error) {
	if req.CallID == "" || req.WorkspaceID == "" || req.QueueID == "" {
		return Admission{}, ErrInvalidCall
	}
	return d.admit(ctx, req, 0)
}

func (d *Dispatcher) admit(ctx context.Context, req AdmitRequest, hops int) (Admission, error) {
	q, err := d.queues.Get(ctx, req.QueueID)
	if err != nil {
		if errors.Is(err, queues.ErrNotFound) {
			return Admission{}, err
		}
		// queue config unreadable: fail closed
		d.gate.Trip(req.QueueID)
		d.log.Error("queue lookup failed, closing admissions", "queue_id", req.QueueID, "error", err)
		return d.overflow(ctx, req, queues.Queue{ID: req.QueueID, WorkspaceID: req.WorkspaceID}, "store_unavailable", err, hops)
	}
	if q.WorkspaceID != req.WorkspaceID {
		return Admission{}, queues.ErrNotFound
	}

	switch {
	case d.gate.Closed(q.ID):
		return d.overflow(ctx, req, q, "closed", ErrQueueClosed, hops)
	case !q.IsActive:
		return d.overflow(ctx, req, q, "inactive", ErrQueueInactive, hops)
	}

	entry, err := d.store.Enqueue(ctx, q, queues.QueuedCall{
		CallID:      req.CallID,
		QueueID:     q.ID,
		WorkspaceID: q.WorkspaceID,
		Caller:      req.Caller,
		Priority:    req.Priority,
		QueuedAt:    req.QueuedAt,
	})
	switch {
	case errors.Is(err, queues.ErrQueueFull):
		return d.overflow(ctx, req, q, "queue_full", err, hops)
	case err != nil:
		d.gate.Trip(q.ID)
		d.log.Error("enqueue failed, closing admissions", "queue_id", q.ID, "call_id", req.CallID, "error", err)
		return d.overflow(ctx, req, q, "store_unavailable", err, hops)
	}

	d.metrics.QueueAdmissions.WithLabelValues(string(OutcomeQueued)).Inc()
	d.publish(ctx, analytics.Event{WorkspaceID: q.WorkspaceID, Type: analytics.EventEnqueued, CallID: req.CallID, QueueID: q.ID})
	d.Trigger(q.ID)

	adm := Admission{Outcome: OutcomeQueued, QueueID: q.ID, Entry: entry}
	if located, ok, err := d.Position(ctx, req.CallID); err == nil && ok {
		adm.Entry = located
		adm.ETA = located.EstimatedWait
	}
	return adm, nil
}

// overflow routes a call that q could not hold. Queue overflow chains are
// followed up to MaxOverflowHops; past that the call is hung up.
func (d *Dispatcher) overflow(ctx context.Context, req AdmitRequest, q queues.Queue, reason string, cause error, hops int) (Admission, error) {
	o := q.Overflow
	d.log.Info("call overflowed", "call_id", req.CallID, "queue_id", q.ID, "reason", reason, "overflow", string(o.Kind), "target", o.Target)
	if reason != "max_wait" {
		d.metrics.QueueAdmissions.WithLabelValues(string(OutcomeOverflowed)).Inc()
	}

	if o.Kind == queues.OverflowQueue {
		if hops < d.opts.MaxOverflowHops {
			next := req
			next.QueueID = o.Target
			next.QueuedAt = time.Time{}
			adm, err := d.admit(ctx, next, hops+1)
			if err != nil {
				return adm, err
			}
			if adm.Outcome == OutcomeQueued {
				adm.Outcome = OutcomeRerouted
			}
			if adm.Reason == "" {
				adm.Reason, adm.Cause = reason, cause
			}
			return adm, nil
		}
		o = queues.Overflow{Kind: queues.OverflowHangup}
		reason = "overflow_loop"
	}

	adm := Admission{Outcome: OutcomeOverflowed, QueueID: q.ID, Overflow: o, Reason: reason, Cause: cause}
	return adm, d.terminal(ctx, req.CallID, o)
}

func (d *Dispatcher) terminal(ctx context.Context, callID string, o queues.Overflow) error {
	switch o.Kind {
	case queues.OverflowVoicemail:
		return d.commander.Voicemail(ctx, callID, o.Target)
	case queues.OverflowTransfer:
		return d.commander.Transfer(ctx, callID, o.Target)
	default:
		return d.commander.Hangup(ctx, callID)
	}
}

// Position reads a queued call with position and ETA derived from the current state.
func (d *Dispatcher) Position(ctx context.Context, callID string) (queues.QueuedCall, bool, error) {
	c, ok, err := d.store.Locate(ctx, callID)
	if err != nil || !ok {
		return queues.QueuedCall{}, ok, err
	}
	q, err := d.queues.Get(ctx, c.QueueID)
	if err != nil {
		return queues.QueuedCall{}, false, err
	}
	eta, err := d.estimator.Estimate(ctx, q, c.Position-1)
	if err != nil {
		return queues.QueuedCall{}, false, err
	}
	c.EstimatedWait = eta
	return c, true, nil
}

// List returns the queue in dispatch order with positions and ETAs.
func (d *Dispatcher) List(ctx context.Context, queueID string) ([]queues.QueuedCall, error) {
	q, err := d.queues.Get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	list, err := d.store.List(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	if err := d.estimator.Annotate(ctx, q, list); err != nil {
		return nil, err
	}
	return list, nil
}

func requestFor(c queues.QueuedCall) AdmitRequest {
	return AdmitRequest{
		CallID:      c.CallID,
		WorkspaceID: c.WorkspaceID,
		QueueID:     c.QueueID,
		Caller:      c.Caller,
		Priority:    c.Priority,
	}
}
