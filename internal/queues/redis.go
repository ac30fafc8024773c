package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"callcenter-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps membership in Redis so several dispatcher processes share queues.
//
// Keys:
//   {prefix}:queue:members:{queue_id}  zset call_id -> insertion seq
//   {prefix}:queue:index               hash call_id -> queue_id
//   {prefix}:queue:calls               hash call_id -> entry json
//   {prefix}:queue:seq                 insertion counter
//
// The scripts derive member keys from the prefix, so this store needs a
// single Redis node rather than a cluster.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

// storedCall is the persisted shape; order and position are not stored.
type storedCall struct {
	CallID      string    `json:"call_id"`
	QueueID     string    `json:"queue_id"`
	WorkspaceID string    `json:"workspace_id"`
	Caller      string    `json:"caller"`
	Priority    int       `json:"priority"`
	QueuedAt    time.Time `json:"queued_at"`
}

var enqueueScript = redis.NewScript(`
-- KEYS[1] = index hash, KEYS[2] = calls hash, KEYS[3] = seq counter
-- ARGV[1] = members key prefix, ARGV[2] = queue id, ARGV[3] = call id
-- ARGV[4] = max size (0 = unbounded), ARGV[5] = entry json
--
-- Returns {1, seq} when added, {0, seq} when already in this queue, {-1, 0} when full.
local current = redis.call('HGET', KEYS[1], ARGV[3])
local dest = ARGV[1] .. ARGV[2]
if current == ARGV[2] then
  return {0, redis.call('ZSCORE', dest, ARGV[3])}
end
local max = tonumber(ARGV[4])
if max > 0 and redis.call('ZCARD', dest) >= max then
  return {-1, '0'}
end
if current then
  redis.call('ZREM', ARGV[1] .. current, ARGV[3])
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', dest, seq, ARGV[3])
redis.call('HSET', KEYS[1], ARGV[3], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[3], ARGV[5])
return {1, tostring(seq)}
`)

var takeScript = redis.NewScript(`
-- KEYS[1] = index hash, KEYS[2] = calls hash
-- ARGV[1] = members key prefix, ARGV[2] = call id, ARGV[3] = expected queue id ('' = any)
--
-- Returns {queue_id, entry_json, seq} when removed, nil otherwise.
local q = redis.call('HGET', KEYS[1], ARGV[2])
if not q then
  return nil
end
if ARGV[3] ~= '' and q ~= ARGV[3] then
  return nil
end
local blob = redis.call('HGET', KEYS[2], ARGV[2])
local seq = redis.call('ZSCORE', ARGV[1] .. q, ARGV[2])
redis.call('ZREM', ARGV[1] .. q, ARGV[2])
redis.call('HDEL', KEYS[1], ARGV[2])
redis.call('HDEL', KEYS[2], ARGV[2])
return {q, blob or '', seq or '0'}
`)

func (s *RedisStore) membersPrefix() string {
	return utils.RedisKey(s.prefix, "queue", "members") + ":"
}

func (s *RedisStore) indexKey() string { return utils.RedisKey(s.prefix, "queue", "index") }
func (s *RedisStore) callsKey() string { return utils.RedisKey(s.prefix, "queue", "calls") }
func (s *RedisStore) seqKey() string   { return utils.RedisKey(s.prefix, "queue", "seq") }

func (s *RedisStore) Enqueue(ctx context.Context, q Queue, c QueuedCall) (QueuedCall, error) {
	if err := validateEntry(q, c); err != nil {
		return QueuedCall{}, err
	}
	c.QueueID = q.ID
	c.WorkspaceID = q.WorkspaceID
	if c.QueuedAt.IsZero() {
		c.QueuedAt = s.now().UTC()
	}
	blob, err := json.Marshal(storedCall{
		CallID:      c.CallID,
		QueueID:     c.QueueID,
		WorkspaceID: c.WorkspaceID,
		Caller:      c.Caller,
		Priority:    c.Priority,
		QueuedAt:    c.QueuedAt,
	})
	if err != nil {
		return QueuedCall{}, err
	}

	res, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.indexKey(), s.callsKey(), s.seqKey()},
		s.membersPrefix(), q.ID, c.CallID, q.MaxQueueSize, string(blob),
	).Slice()
	if err != nil {
		return QueuedCall{}, err
	}
	if len(res) != 2 {
		return QueuedCall{}, fmt.Errorf("queues: unexpected enqueue reply %v", res)
	}
	status, _ := res[0].(int64)
	switch status {
	case -1:
		return QueuedCall{}, ErrQueueFull
	case 0:
		existing, ok, err := s.Locate(ctx, c.CallID)
		if err != nil {
			return QueuedCall{}, err
		}
		if ok {
			return existing, nil
		}
		return QueuedCall{}, ErrInvalidCall
	}
	seq, err := parseSeq(res[1])
	if err != nil {
		return QueuedCall{}, err
	}
	c.Seq = seq
	c.Position = 0
	c.EstimatedWait = 0
	return c, nil
}

func (s *RedisStore) Head(ctx context.Context, queueID string) (QueuedCall, bool, error) {
	list, err := s.List(ctx, queueID)
	if err != nil || len(list) == 0 {
		return QueuedCall{}, false, err
	}
	return list[0], true, nil
}

func (s *RedisStore) DequeueHead(ctx context.Context, queueID string) (QueuedCall, bool, error) {
	return dequeueByTake(ctx, s, queueID)
}

func (s *RedisStore) Take(ctx context.Context, queueID, callID string) (QueuedCall, bool, error) {
	return s.take(ctx, queueID, callID)
}

func (s *RedisStore) Remove(ctx context.Context, callID string) (QueuedCall, bool, error) {
	return s.take(ctx, "", callID)
}

func (s *RedisStore) take(ctx context.Context, queueID, callID string) (QueuedCall, bool, error) {
	res, err := takeScript.Run(ctx, s.rdb,
		[]string{s.indexKey(), s.callsKey()},
		s.membersPrefix(), callID, queueID,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return QueuedCall{}, false, nil
	}
	if err != nil {
		return QueuedCall{}, false, err
	}
	if len(res) != 3 {
		return QueuedCall{}, false, fmt.Errorf("queues: unexpected take reply %v", res)
	}
	blob, _ := res[1].(string)
	c, err := decodeStored(blob)
	if err != nil {
		return QueuedCall{}, false, err
	}
	if c.Seq, err = parseSeq(res[2]); err != nil {
		return QueuedCall{}, false, err
	}
	return c, true, nil
}

func (s *RedisStore) List(ctx context.Context, queueID string) ([]QueuedCall, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, s.membersPrefix()+queueID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i], _ = m.Member.(string)
	}
	blobs, err := s.rdb.HMGet(ctx, s.callsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]QueuedCall, 0, len(members))
	for i, raw := range blobs {
		blob, ok := raw.(string)
		if !ok {
			// removed between the two reads
			continue
		}
		c, err := decodeStored(blob)
		if err != nil {
			return nil, err
		}
		c.Seq = int64(members[i].Score)
		out = append(out, c)
	}
	Order(out)
	return out, nil
}

func (s *RedisStore) Locate(ctx context.Context, callID string) (QueuedCall, bool, error) {
	queueID, err := s.rdb.HGet(ctx, s.indexKey(), callID).Result()
	if errors.Is(err, redis.Nil) {
		return QueuedCall{}, false, nil
	}
	if err != nil {
		return QueuedCall{}, false, err
	}
	list, err := s.List(ctx, queueID)
	if err != nil {
		return QueuedCall{}, false, err
	}
	for _, c := range list {
		if c.CallID == callID {
			return c, true, nil
		}
	}
	return QueuedCall{}, false, nil
}

func (s *RedisStore) Len(ctx context.Context, queueID string) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.membersPrefix()+queueID).Result()
	return int(n), err
}

func decodeStored(blob string) (QueuedCall, error) {
	var sc storedCall
	if err := json.Unmarshal([]byte(blob), &sc); err != nil {
		return QueuedCall{}, fmt.Errorf("queues: decode entry: %w", err)
	}
	return QueuedCall{
		CallID:      sc.CallID,
		QueueID:     sc.QueueID,
		WorkspaceID: sc.WorkspaceID,
		Caller:      sc.Caller,
		Priority:    sc.Priority,
		QueuedAt:    sc.QueuedAt,
	}, nil
}

func parseSeq(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("queues: bad seq %q", x)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("queues: bad seq %v", v)
	}
}
