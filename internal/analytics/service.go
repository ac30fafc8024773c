package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callcenter-platform/internal/metrics"
	"callcenter-platform/pkg/logger"

	"github.com/google/uuid"
)

var ErrInvalidEvent = errors.New("analytics: invalid event")

// Sink is where events end up. It MUST be append-only.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Publisher is what routing components depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Service fans events out to a sink in the background.
//
// Publish never blocks and never fails: a full buffer or a sink error drops
// the event and counts it. Call routing must not depend on reporting.
type Service struct {
	sink    Sink
	events  chan Event
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

func NewService(sink Sink, buffer int, log *slog.Logger, m *metrics.Metrics) *Service {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{sink: sink, events: make(chan Event, buffer), log: log, metrics: m, clock: time.Now}
}

func (s *Service) Publish(ctx context.Context, e Event) {
	if e.WorkspaceID == "" || e.Type == "" {
		s.log.Warn("analytics event rejected", "type", e.Type, "call_id", e.CallID, "error", ErrInvalidEvent)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.clock().UTC()
	}
	select {
	case s.events <- e:
	default:
		s.dropped()
	}
}

// Run drains the buffer until ctx is done, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case e := <-s.events:
			s.write(ctx, e)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *Service) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-s.events:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *Service) write(ctx context.Context, e Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Write(ctx, e); err != nil {
		s.log.Warn("analytics sink write failed", "type", e.Type, "call_id", e.CallID, "error", err)
		s.dropped()
	}
}

func (s *Service) dropped() {
	if s.metrics != nil {
		s.metrics.AnalyticsDropped.Inc()
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
