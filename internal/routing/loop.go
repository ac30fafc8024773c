package routing

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Trigger asks for a dispatch cycle on a queue. It never blocks: a queue with a
// cycle already pending is not queued twice, and a full trigger buffer is left
// to the periodic sweep.
func (d *Dispatcher) Trigger(queueID string) {
	if _, dup := d.pending.LoadOrStore(queueID, struct{}{}); dup {
		d.metrics.TriggerDrops.Inc()
		return
	}
	select {
	case d.triggers <- queueID:
	default:
		d.pending.Delete(queueID)
		d.metrics.TriggerDrops.Inc()
	}
}

// Run starts the dispatch workers and the periodic sweep. It returns when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-d.triggers:
					d.pending.Delete(id)
					d.runCycle(ctx, id)
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(d.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.sweep(ctx)
			}
		}
	})
	d.log.Info("dispatcher started", "workers", d.opts.Workers, "tick", d.opts.Tick.String())
	return g.Wait()
}

func (d *Dispatcher) sweep(ctx context.Context) {
	active, err := d.queues.ListActive(ctx)
	if err != nil {
		d.log.Warn("dispatch sweep: list queues", "error", err)
		return
	}
	for _, q := range active {
		d.Trigger(q.ID)
	}
}

func (d *Dispatcher) runCycle(ctx context.Context, queueID string) {
	q, err := d.queues.Get(ctx, queueID)
	if err != nil {
		d.log.Warn("dispatch cycle: load queue", "queue_id", queueID, "error", err)
		return
	}
	if !q.IsActive {
		return
	}

	start := time.Now()
	matched, err := d.DispatchQueue(ctx, q)
	d.metrics.DispatchCycleDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil, errors.Is(err, ErrNoEligibleAgent), errors.Is(err, context.Canceled):
	case errors.Is(err, ErrClaimConflict):
		// another dispatcher got there first; its release will trigger again
		d.log.Debug("dispatch cycle lost every claim", "queue_id", q.ID)
	default:
		d.log.Warn("dispatch cycle failed", "queue_id", q.ID, "error", err)
	}
	if n, err := d.store.Len(ctx, q.ID); err == nil {
		d.metrics.QueueDepth.WithLabelValues(q.ID).Set(float64(n))
	}
	if len(matched) > 0 {
		d.log.Debug("dispatch cycle", "queue_id", q.ID, "assigned", len(matched))
	}
}
