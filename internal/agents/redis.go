package agents

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

// RedisRegistry stores each agent as a hash and keeps capacity changes inside
// Lua scripts so several dispatcher processes can share one pool of agents.
//
// Keys:
//   {prefix}:agent:{id}        hash of agent fields
//   {prefix}:agents:{ws}       set of agent ids in a workspace
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, prefix: prefix, now: time.Now}
}

const (
	fieldUserID    = "user_id"
	fieldWorkspace = "workspace_id"
	fieldExtension = "extension"
	fieldSkills    = "skills"
	fieldPresence  = "presence"
	fieldMax       = "max_concurrent_calls"
	fieldCurrent   = "current_calls"
	fieldPriority  = "priority"
	fieldUpdatedAt = "updated_at"
)

var claimScript = redis.NewScript(`
-- KEYS[1] = agent hash
-- ARGV[1] = updated_at (unix ms)
--
-- Returns:
--  1 if claimed
--  0 if away/offline or at capacity
-- -1 if the agent does not exist
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'presence') ~= 'available' then
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'current_calls') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'max_concurrent_calls') or '0')
if cur >= max then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'current_calls', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = agent hash
-- ARGV[1] = updated_at (unix ms)
--
-- Returns 1 if released, 0 if nothing was claimed, -1 if the agent does not exist.
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'current_calls') or '0')
if cur <= 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'current_calls', -1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return 1
`)

var setPresenceScript = redis.NewScript(`
-- KEYS[1] = agent hash
-- ARGV[1] = presence, ARGV[2] = updated_at (unix ms)
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'presence', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

var upsertScript = redis.NewScript(`
-- KEYS[1] = agent hash, KEYS[2] = workspace set
-- ARGV[1] = agent id, ARGV[2] = max_concurrent_calls
-- ARGV[3..] = field/value pairs to write
--
-- Returns 1 if written, 0 if the new max is below current_calls.
local cur = tonumber(redis.call('HGET', KEYS[1], 'current_calls') or '0')
if cur > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('HSETNX', KEYS[1], 'current_calls', 0)
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

func (r *RedisRegistry) agentKey(id string) string {
	return utils.RedisKey(r.prefix, "agent", id)
}

func (r *RedisRegistry) workspaceKey(workspaceID string) string {
	return utils.RedisKey(r.prefix, "agents", workspaceID)
}

func (r *RedisRegistry) Upsert(ctx context.Context, a Agent) error {
	if err := validate(a); err != nil {
		return err
	}
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return err
	}
	res, err := upsertScript.Run(ctx, r.rdb,
		[]string{r.agentKey(a.ID), r.workspaceKey(a.WorkspaceID)},
		a.ID, a.MaxConcurrentCalls,
		fieldUserID, a.UserID,
		fieldWorkspace, a.WorkspaceID,
		fieldExtension, a.Extension,
		fieldSkills, string(skills),
		fieldPresence, string(a.Presence),
		fieldMax, a.MaxConcurrentCalls,
		fieldPriority, a.Priority,
		fieldUpdatedAt, r.now().UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrCapacityInUse
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (Agent, error) {
	m, err := r.rdb.HGetAll(ctx, r.agentKey(id)).Result()
	if err != nil {
		return Agent{}, err
	}
	if len(m) == 0 {
		return Agent{}, ErrNotFound
	}
	return decodeAgent(id, m)
}

func (r *RedisRegistry) List(ctx context.Context, workspaceID string) ([]Agent, error) {
	ids, err := r.rdb.SMembers(ctx, r.workspaceKey(workspaceID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.agentKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Agent, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		a, err := decodeAgent(ids[i], m)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	SortEligible(out)
	return out, nil
}

func (r *RedisRegistry) FindEligible(ctx context.Context, workspaceID string, skills []string) ([]Agent, error) {
	all, err := r.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return filterEligible(all, workspaceID, skills), nil
}

func (r *RedisRegistry) Claim(ctx context.Context, id string) (bool, error) {
	res, err := claimScript.Run(ctx, r.rdb, []string{r.agentKey(id)}, r.now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (r *RedisRegistry) Release(ctx context.Context, id string) error {
	res, err := releaseScript.Run(ctx, r.rdb, []string{r.agentKey(id)}, r.now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrNothingToRelease
	}
	return nil
}

func (r *RedisRegistry) SetStatus(ctx context.Context, id string, s Status) error {
	p, err := presenceFor(s)
	if err != nil {
		return err
	}
	res, err := setPresenceScript.Run(ctx, r.rdb, []string{r.agentKey(id)}, string(p), r.now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeAgent(id string, m map[string]string) (Agent, error) {
	a := Agent{
		ID:          id,
		UserID:      m[fieldUserID],
		WorkspaceID: m[fieldWorkspace],
		Extension:   m[fieldExtension],
		Presence:    Presence(m[fieldPresence]),
	}
	if raw := m[fieldSkills]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.Skills); err != nil {
			return Agent{}, fmt.Errorf("agents: decode skills for %s: %w", id, err)
		}
	}
	var err error
	if a.MaxConcurrentCalls, err = atoiField(m, fieldMax); err != nil {
		return Agent{}, err
	}
	if a.CurrentCalls, err = atoiField(m, fieldCurrent); err != nil {
		return Agent{}, err
	}
	if a.Priority, err = atoiField(m, fieldPriority); err != nil {
		return Agent{}, err
	}
	if ms, err := strconv.ParseInt(m[fieldUpdatedAt], 10, 64); err == nil {
		a.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return a, nil
}

func atoiField(m map[string]string, field string) (int, error) {
	v, ok := m[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("agents: corrupt field " + field)
	}
	return n, nil
}
