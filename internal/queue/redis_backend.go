package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend 基于 Redis 的任务存储，多进程共享同一队列。
//
// 键布局（prefix 默认 "oe:order-processing:"）：
//
//	job:<id>   hash   任务字段
//	wait       list   等待队列（FIFO）
//	delayed    zset   score = runAt(ms)
//	active     zset   score = lockedUntil(ms)，租约到期即视为停滞
//	completed  zset   score = finishedAt(ms)
//	dead       zset   score = finishedAt(ms)
//
// 每个状态迁移由一个 Lua 脚本原子完成。
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// DefaultRedisPrefix 默认键前缀
const DefaultRedisPrefix = "oe:order-processing:"

// NewRedisBackend 创建 Redis 任务存储；客户端由调用方管理
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(name string) string { return b.prefix + name }
func (b *RedisBackend) jobKey(id string) string { return b.prefix + "job:" + id }

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'payload', ARGV[2], 'state', 'waiting',
  'attempts', 0, 'createdAt', ARGV[3], 'runAt', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[1] .. 'job:' .. id, 'state', 'waiting')
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[1] .. 'job:' .. id
redis.call('ZADD', KEYS[3], ARGV[4], id)
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'active', 'processedAt', ARGV[2], 'token', ARGV[3], 'lockedUntil', ARGV[4])
return id
`)

// extendScript 0 = 不在 active，-1 = 令牌不符
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return 0
end
local key = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('HGET', key, 'token') ~= ARGV[3] then
  return -1
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
redis.call('HSET', key, 'lockedUntil', ARGV[4])
return 1
`)

// finishScript active -> zset（completed/delayed/dead）；返回值同 extendScript
var finishScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return 0
end
local key = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('HGET', key, 'token') ~= ARGV[6] then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
redis.call('HDEL', key, 'token', 'lockedUntil')
redis.call('HSET', key, 'state', ARGV[3])
if ARGV[3] == 'delayed' then
  redis.call('HSET', key, 'runAt', ARGV[4], 'lastError', ARGV[5])
elseif ARGV[3] == 'dead' then
  redis.call('HSET', key, 'finishedAt', ARGV[4], 'lastError', ARGV[5])
else
  redis.call('HSET', key, 'finishedAt', ARGV[4])
end
return 1
`)

var purgeScript = redis.NewScript(`
local removed = 0
local function drop(zkey, ids)
  for _, id in ipairs(ids) do
    redis.call('ZREM', zkey, id)
    redis.call('DEL', ARGV[1] .. 'job:' .. id)
    removed = removed + 1
  end
end
drop(KEYS[1], redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2]))
local max = tonumber(ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
if max > 0 and n > max then
  drop(KEYS[1], redis.call('ZRANGE', KEYS[1], 0, n - max - 1))
end
drop(KEYS[2], redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4]))
return removed
`)

var requeueStalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. 'job:' .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HDEL', key, 'token', 'lockedUntil')
  redis.call('HSET', key, 'state', 'waiting')
  if redis.call('HINCRBY', key, 'attempts', -1) < 0 then
    redis.call('HSET', key, 'attempts', 0)
  end
end
return #ids
`)

func (b *RedisBackend) Add(ctx context.Context, job *Job) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	n, err := addScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.key("wait")},
		job.ID, string(payload), job.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Reserve(ctx context.Context, now time.Time, token string, lockUntil time.Time) (*Job, error) {
	id, err := reserveScript.Run(ctx, b.client,
		[]string{b.key("wait"), b.key("delayed"), b.key("active")},
		b.prefix, now.UnixMilli(), token, lockUntil.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, id)
}

// lockResult 把脚本返回值转换为错误
func (b *RedisBackend) lockResult(ctx context.Context, id string, n int) error {
	switch n {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%w: %s", ErrLockLost, id)
	default:
		j, err := b.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, j.State)
	}
}

func (b *RedisBackend) Extend(ctx context.Context, id, token string, lockUntil time.Time) error {
	n, err := extendScript.Run(ctx, b.client,
		[]string{b.key("active")},
		b.prefix, id, token, lockUntil.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	return b.lockResult(ctx, id, n)
}

func (b *RedisBackend) finish(ctx context.Context, id, token string, to State, zset string, score int64, errMsg string) error {
	n, err := finishScript.Run(ctx, b.client,
		[]string{b.key("active"), b.key(zset)},
		b.prefix, id, string(to), score, errMsg, token,
	).Int()
	if err != nil {
		return err
	}
	return b.lockResult(ctx, id, n)
}

func (b *RedisBackend) Complete(ctx context.Context, id, token string, now time.Time) error {
	return b.finish(ctx, id, token, StateCompleted, "completed", now.UnixMilli(), "")
}

func (b *RedisBackend) Retry(ctx context.Context, id, token, errMsg string, runAt time.Time) error {
	return b.finish(ctx, id, token, StateDelayed, "delayed", runAt.UnixMilli(), errMsg)
}

func (b *RedisBackend) Bury(ctx context.Context, id, token, errMsg string, now time.Time) error {
	return b.finish(ctx, id, token, StateDead, "dead", now.UnixMilli(), errMsg)
}

func (b *RedisBackend) Purge(ctx context.Context, r Retention) (int, error) {
	return purgeScript.Run(ctx, b.client,
		[]string{b.key("completed"), b.key("dead")},
		b.prefix, cutoff(r.CompletedBefore), r.CompletedMaxCount, cutoff(r.DeadBefore),
	).Int()
}

// cutoff 零值表示不按时间清理
func cutoff(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return decodeJob(fields)
}

func (b *RedisBackend) Counts(ctx context.Context) (Counts, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.LLen(ctx, b.key("wait"))
	delayed := pipe.ZCard(ctx, b.key("delayed"))
	active := pipe.ZCard(ctx, b.key("active"))
	completed := pipe.ZCard(ctx, b.key("completed"))
	dead := pipe.ZCard(ctx, b.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

func (b *RedisBackend) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	return requeueStalledScript.Run(ctx, b.client,
		[]string{b.key("active"), b.key("wait")},
		b.prefix, now.UnixMilli(),
	).Int()
}

func decodeJob(f map[string]string) (*Job, error) {
	j := &Job{
		ID:        f["id"],
		State:     State(f["state"]),
		LastError: f["lastError"],
		Token:     f["token"],
	}
	if err := json.Unmarshal([]byte(f["payload"]), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	if v := f["attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode attempts of %s: %w", j.ID, err)
		}
		j.AttemptsMade = n
	}
	j.CreatedAt = millis(f["createdAt"])
	j.ProcessedAt = millis(f["processedAt"])
	j.FinishedAt = millis(f["finishedAt"])
	j.RunAt = millis(f["runAt"])
	j.LockedUntil = millis(f["lockedUntil"])
	return j, nil
}

func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
