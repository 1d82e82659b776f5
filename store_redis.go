package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisStore 基于 Redis Streams 实现消费组日志，ZSET 实现延时索引；
// 延时搬运由单个 Lua 脚本完成（读取到期条目、XADD、ZREM、查询下一条），保证原子性。
type redisStore struct {
	rdb *redis.Client
	// maxLen >0 时 XADD 带 MAXLEN ~ 近似裁剪
	maxLen int64
}

const payloadField = "payload"

// 延时条目 member 格式：<uuidv7>:<payload>。uuid 保证相同内容不合并，v7 保证同分值按写入顺序。
const delayMemberPrefixLen = 37

var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(items) do
  local body = string.sub(m, tonumber(ARGV[3]) + 1)
  if tonumber(ARGV[4]) > 0 then
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[4], '*', 'payload', body)
  else
    redis.call('XADD', KEYS[2], '*', 'payload', body)
  end
  redis.call('ZREM', KEYS[1], m)
end
local nxt = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #nxt == 0 then
  return {#items, ''}
end
return {#items, nxt[2]}
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func newRedisStore(cfg RedisConfig) (*redisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	return &redisStore{rdb: rdb, maxLen: cfg.MaxLen}, nil
}

// NewRedisStore 使用已有 redis.Client 构造 Store。
func NewRedisStore(rdb *redis.Client) Store { return &redisStore{rdb: rdb} }

func (r *redisStore) Append(ctx context.Context, topic string, payload []byte) (string, error) {
	args := &redis.XAddArgs{Stream: topic, Values: map[string]interface{}{payloadField: payload}}
	if r.maxLen > 0 {
		args.MaxLen, args.Approx = r.maxLen, true
	}
	id, err := r.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

func (r *redisStore) CreateGroup(ctx context.Context, topic, group string) error {
	// 使用 "0" 从头开始读取
	err := r.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", topic, group, err)
	}
	return nil
}

func (r *redisStore) Claim(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Record, error) {
	if count <= 0 {
		count = 1
	}
	// go-redis 中 Block=0 表示无限阻塞，负数表示不阻塞
	if block <= 0 {
		block = -1
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", topic, group, err)
	}
	var out []Record
	for _, str := range res {
		for _, m := range str.Messages {
			out = append(out, decodeXMessage(m))
		}
	}
	return out, nil
}

func decodeXMessage(m redis.XMessage) Record {
	rec := Record{ID: m.ID}
	if v, ok := m.Values[payloadField]; ok {
		if s, ok := v.(string); ok {
			rec.Payload = []byte(s)
		}
	}
	return rec
}

func (r *redisStore) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.rdb.XAck(ctx, topic, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", topic, group, err)
	}
	return nil
}

func (r *redisStore) PendingSummary(ctx context.Context, topic, group string) (map[string]int64, error) {
	p, err := r.rdb.XPending(ctx, topic, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", topic, group, err)
	}
	out := make(map[string]int64, len(p.Consumers))
	for c, n := range p.Consumers {
		out[c] = n
	}
	return out, nil
}

func (r *redisStore) StaleEntries(ctx context.Context, topic, group, consumer string, idle time.Duration, max int) ([]PendingEntry, error) {
	if max <= 0 {
		max = 100
	}
	res, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   topic,
		Group:    group,
		Idle:     idle,
		Start:    "-",
		End:      "+",
		Count:    int64(max),
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending ext %s/%s: %w", topic, group, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle, Deliveries: p.RetryCount})
	}
	return out, nil
}

func (r *redisStore) Fetch(ctx context.Context, topic, id string) (Record, bool, error) {
	msgs, err := r.rdb.XRangeN(ctx, topic, id, id, 1).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("xrange %s %s: %w", topic, id, err)
	}
	if len(msgs) == 0 {
		return Record{}, false, nil
	}
	return decodeXMessage(msgs[0]), true, nil
}

func (r *redisStore) AddDelayed(ctx context.Context, key string, due time.Time, payload []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("delay member id: %w", err)
	}
	member := id.String() + ":" + string(payload)
	if err := r.rdb.ZAdd(ctx, key, redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) Promote(ctx context.Context, key, topic string, now time.Time, limit int) (PromoteResult, error) {
	var res PromoteResult
	vals, err := promoteScript.Run(ctx, r.rdb, []string{key, topic},
		now.UnixMilli(), limit, delayMemberPrefixLen, r.maxLen).Slice()
	if err != nil {
		return res, fmt.Errorf("promote %s -> %s: %w", key, topic, err)
	}
	if len(vals) != 2 {
		return res, fmt.Errorf("promote %s: unexpected reply %v", key, vals)
	}
	n, ok := vals[0].(int64)
	if !ok {
		return res, fmt.Errorf("promote %s: unexpected count %T", key, vals[0])
	}
	res.Promoted = int(n)
	if s, _ := vals[1].(string); s != "" {
		score, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return res, fmt.Errorf("promote %s: bad score %q: %w", key, s, err)
		}
		res.HasNext = true
		res.NextDue = time.UnixMilli(int64(score))
	}
	return res, nil
}

func (r *redisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return unlockScript.Run(ctx, r.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}

func (r *redisStore) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *redisStore) Close() error { return r.rdb.Close() }
