package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"callcenter-platform/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_PublishAndRun(t *testing.T) {
	repo := NewMemoryRepo()
	s := NewService(repo, 8, nil, metrics.New(nil))

	s.Publish(context.Background(), Event{WorkspaceID: "ws1", Type: EventEnqueued, CallID: "c1"})
	s.Publish(context.Background(), Event{Type: EventEnqueued})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(repo.Events()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	e := repo.Events()[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.OccurredAt.IsZero())
}

func TestService_FullBufferDrops(t *testing.T) {
	m := metrics.New(nil)
	s := NewService(NewMemoryRepo(), 1, nil, m)

	s.Publish(context.Background(), Event{WorkspaceID: "ws1", Type: EventEnqueued})
	s.Publish(context.Background(), Event{WorkspaceID: "ws1", Type: EventEnqueued})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AnalyticsDropped))
}

type failingSink struct{}

func (failingSink) Write(context.Context, Event) error { return errors.New("down") }

func TestService_SinkErrorCounted(t *testing.T) {
	m := metrics.New(nil)
	s := NewService(failingSink{}, 4, nil, m)
	s.Publish(context.Background(), Event{WorkspaceID: "ws1", Type: EventAssigned})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AnalyticsDropped))
}

type fakeChannel struct {
	declared  string
	published []amqp.Publishing
	keys      []string
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared = name
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitSink_PublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	sink, err := newRabbitSink(ch, "callcenter_events")
	require.NoError(t, err)
	assert.Equal(t, "callcenter_events", ch.declared)

	require.NoError(t, sink.Write(context.Background(), Event{ID: "e1", WorkspaceID: "ws1", Type: EventEvicted, Reason: "max_wait"}))
	require.Len(t, ch.published, 1)
	assert.Equal(t, "callcenter_events", ch.keys[0])
	assert.Equal(t, "application/json", ch.published[0].ContentType)

	var got Event
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &got))
	assert.Equal(t, "max_wait", got.Reason)
	require.NoError(t, sink.Close())
}
