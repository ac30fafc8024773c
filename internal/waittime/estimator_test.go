package waittime

import (
	"context"
	"testing"
	"time"

	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/queues"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAgents(t *testing.T, reg agents.Registry, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, reg.Upsert(context.Background(), agents.Agent{
			ID:                 string(rune('a' + i)),
			WorkspaceID:        "ws1",
			Presence:           agents.PresenceAvailable,
			MaxConcurrentCalls: 1,
			Skills:             []string{"billing"},
		}))
	}
}

func TestEstimate_UsesFallbackWithoutHistory(t *testing.T) {
	reg := agents.NewMemoryRegistry()
	seedAgents(t, reg, 2)
	e := NewEstimator(reg, NewMemoryHistory(50), 0)
	q := queues.Queue{ID: "q1", WorkspaceID: "ws1", SkillRequirements: []string{"billing"}}

	got, err := e.Estimate(context.Background(), q, 4)
	require.NoError(t, err)
	assert.Equal(t, 4*DefaultFallback/2, got)

	again, err := e.Estimate(context.Background(), q, 4)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestEstimate_NoAgentsDividesByOne(t *testing.T) {
	e := NewEstimator(agents.NewMemoryRegistry(), nil, time.Minute)
	got, err := e.Estimate(context.Background(), queues.Queue{ID: "q1", WorkspaceID: "ws1"}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, got)
}

func TestEstimate_Monotonic(t *testing.T) {
	ctx := context.Background()
	reg := agents.NewMemoryRegistry()
	seedAgents(t, reg, 3)
	for _, id := range []string{"a", "b", "c"} {
		ok, err := reg.Claim(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	e := NewEstimator(reg, nil, time.Minute)
	q := queues.Queue{ID: "q1", WorkspaceID: "ws1"}

	var prev time.Duration
	for ahead := 0; ahead < 5; ahead++ {
		got, err := e.Estimate(ctx, q, ahead)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Release(ctx, id))
		got, err := e.Estimate(ctx, q, 4)
		require.NoError(t, err)
		assert.LessOrEqual(t, got, prev)
		prev = got
	}
}

func TestAnnotate_SetsWaitByPosition(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(50)
	require.NoError(t, h.Record(ctx, "q1", 2*time.Minute))
	require.NoError(t, h.Record(ctx, "q1", 4*time.Minute))
	e := NewEstimator(agents.NewMemoryRegistry(), h, time.Hour)

	list := []queues.QueuedCall{{CallID: "c1"}, {CallID: "c2"}, {CallID: "c3"}}
	queues.Order(list)
	require.NoError(t, e.Annotate(ctx, queues.Queue{ID: "q1", WorkspaceID: "ws1"}, list))

	assert.Equal(t, time.Duration(0), list[0].EstimatedWait)
	assert.Equal(t, 3*time.Minute, list[1].EstimatedWait)
	assert.Equal(t, 6*time.Minute, list[2].EstimatedWait)
}

func TestHistory_WindowCapsSamples(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for name, h := range map[string]History{
		"memory": NewMemoryHistory(2),
		"redis":  NewRedisHistory(rdb, "test", 2),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := h.Average(ctx, "q1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, h.Record(ctx, "q1", time.Hour))
			require.NoError(t, h.Record(ctx, "q1", time.Minute))
			require.NoError(t, h.Record(ctx, "q1", 3*time.Minute))

			avg, ok, err := h.Average(ctx, "q1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 2*time.Minute, avg)
		})
	}
}
