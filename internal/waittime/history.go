package waittime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"callcenter-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// History keeps a rolling window of completed-call service durations per queue.
// Abandoned calls are never recorded.
type History interface {
	Record(ctx context.Context, queueID string, d time.Duration) error
	// Average reports false when the queue has no samples yet.
	Average(ctx context.Context, queueID string) (time.Duration, bool, error)
}

type MemoryHistory struct {
	mu      sync.Mutex
	window  int
	samples map[string][]time.Duration
}

func NewMemoryHistory(window int) *MemoryHistory {
	if window < 1 {
		window = 1
	}
	return &MemoryHistory{window: window, samples: make(map[string][]time.Duration)}
}

func (h *MemoryHistory) Record(ctx context.Context, queueID string, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := append(h.samples[queueID], d)
	if len(s) > h.window {
		s = s[len(s)-h.window:]
	}
	h.samples[queueID] = s
	return nil
}

func (h *MemoryHistory) Average(ctx context.Context, queueID string) (time.Duration, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return mean(h.samples[queueID])
}

// RedisHistory stores samples as milliseconds in a capped list per queue.
type RedisHistory struct {
	rdb    *redis.Client
	prefix string
	window int
}

func NewRedisHistory(rdb *redis.Client, prefix string, window int) *RedisHistory {
	if window < 1 {
		window = 1
	}
	return &RedisHistory{rdb: rdb, prefix: prefix, window: window}
}

func (h *RedisHistory) key(queueID string) string {
	return utils.RedisKey(h.prefix, "waittime", queueID)
}

func (h *RedisHistory) Record(ctx context.Context, queueID string, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	key := h.key(queueID)
	_, err := h.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, d.Milliseconds())
		p.LTrim(ctx, key, 0, int64(h.window-1))
		return nil
	})
	return err
}

func (h *RedisHistory) Average(ctx context.Context, queueID string) (time.Duration, bool, error) {
	raw, err := h.rdb.LRange(ctx, h.key(queueID), 0, int64(h.window-1)).Result()
	if err != nil {
		return 0, false, err
	}
	samples := make([]time.Duration, 0, len(raw))
	for _, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		samples = append(samples, time.Duration(ms)*time.Millisecond)
	}
	return mean(samples)
}

func mean(samples []time.Duration) (time.Duration, bool, error) {
	if len(samples) == 0 {
		return 0, false, nil
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples)), true, nil
}
