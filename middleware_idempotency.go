package eventbus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// KV 是幂等中间件依赖的最小键值接口，便于单元测试注入 mock。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// IdempotencyConfig 配置幂等中间件。
// 默认 key 为 requestId:deliverCount:pollingCount，即同一次投递的重复到达只处理一次，
// 而应用层重试与轮询各自有独立的 key。最终存储 key 为 Prefix + ":" + sha1(keyRaw)。
type IdempotencyConfig struct {
	KV KV `yaml:"-"` // 可选：键值存储（生产用 RedisKV），为 nil 且提供 Redis* 时自动创建
	// 可选 Redis 连接参数（若 KV 为空则使用这些参数自动启用）
	RedisAddr     string `yaml:"redisAddr"`
	RedisUsername string `yaml:"redisUsername"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	// Prefix key 前缀，默认 "eventbus:idem"
	Prefix string `yaml:"prefix"`
	// TTL 幂等键过期时间，默认 24h
	TTL time.Duration `yaml:"ttl"`
	// KeyFunc 可选：自定义业务唯一键
	KeyFunc func(ctx context.Context, env *Envelope) (string, error) `yaml:"-"`
}

func (c IdempotencyConfig) enabled() bool { return c.KV != nil || c.RedisAddr != "" }

func defaultIdempotencyKey(env *Envelope) string {
	return fmt.Sprintf("%s:%d:%d", env.RequestID, env.DeliverCount, env.PollingCount)
}

// NewIdempotencyMiddleware 生成监听器幂等中间件。
// 回调失败时删除幂等键，使后续的回收重投仍能执行。重复到达返回 ErrDuplicateDelivery。
func NewIdempotencyMiddleware(cfg IdempotencyConfig) ListenerMiddleware {
	if cfg.KV == nil {
		panic("IdempotencyMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "eventbus:idem"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return func(next ListenerFunc) ListenerFunc {
		return func(ctx context.Context, env *Envelope, inv *Invocation) error {
			keyRaw := defaultIdempotencyKey(env)
			if cfg.KeyFunc != nil {
				if s, err := cfg.KeyFunc(ctx, env); err == nil && s != "" {
					keyRaw = s
				}
			}
			// sha1 规整 key
			h := sha1.Sum([]byte(keyRaw))
			storeKey := fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
			ok, err := cfg.KV.SetNX(ctx, storeKey, "1", cfg.TTL)
			if err != nil {
				return err
			}
			if !ok {
				return ErrDuplicateDelivery
			}
			if err := next(ctx, env, inv); err != nil {
				_ = cfg.KV.Del(context.WithoutCancel(ctx), storeKey)
				return err
			}
			return nil
		}
	}
}
