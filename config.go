package eventbus

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DelayMode 用于 RabbitMQ 延时消息兼容模式。
type DelayMode string

const (
	DelayModeStandard DelayMode = "standard" // 使用 x-delayed-message 插件（x-delay）
	DelayModeAliyun   DelayMode = "aliyun"   // 使用阿里云原生（delay）
)

// BrokerType 选择底层消息中间件。
type BrokerType string

const (
	BrokerRedis    BrokerType = "redis"
	BrokerRabbitMQ BrokerType = "rabbitmq"
	BrokerMemory   BrokerType = "memory"
)

// Config 为包总配置，应用通过 New 传入，或使用 LoadConfig 从 YAML 文件读取。
type Config struct {
	// ServiceID 本服务标识：Send 默认投递到该服务，注册的监听器也归属该服务
	ServiceID string `yaml:"serviceId"`
	// Namespace 用于隔离 topic/锁键前缀，默认 "eventbus"
	Namespace           string     `yaml:"namespace"`
	BrokerType          BrokerType `yaml:"brokerType"`
	ConsumerConcurrency int        `yaml:"consumerConcurrency"`

	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	TestConnect TestConnectConfig `yaml:"testConnect"`
	Fail        FailDefaults      `yaml:"fail"`
	Delay       DelayConfig       `yaml:"delay"`
	Reclaim     ReclaimConfig     `yaml:"reclaim"`
	Pool        PoolConfig        `yaml:"pool"`
	Logger      LoggerConfig      `yaml:"logger"`

	// Idempotency 可选：提供 KV 或 RedisAddr 时为所有监听器启用幂等检查。
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Block XREADGROUP 阻塞时长
	Block time.Duration `yaml:"block"`
	// MaxLen 每个 stream 的近似长度上限，0 不裁剪。需远大于最大积压量，
	// 否则尚未确认的记录可能被裁掉，回收时只能确认丢弃。
	MaxLen int64 `yaml:"maxLen"`
}

type RabbitMQConfig struct {
	URI             string `yaml:"uri"`
	Exchange        string `yaml:"exchange"`
	DelayedExchange string `yaml:"delayedExchange"`
	Prefetch        int    `yaml:"prefetch"`
	// DelayMode 选择延时消息兼容模式；默认 standard。
	DelayMode DelayMode `yaml:"delayMode"`
}

// TestConnectConfig 连接看门狗参数。
type TestConnectConfig struct {
	PollIntervalSeconds            int `yaml:"pollIntervalSeconds"`
	LoseConnectionThresholdSeconds int `yaml:"loseConnectionThresholdSeconds"`
}

// FailDefaults 全局失败重试默认值，监听器级 FailConfig 优先。
// RetryCount 为 0 时取默认 3，负数表示不重试。
type FailDefaults struct {
	RetryCount          int `yaml:"retryCount"`
	NextIntervalSeconds int `yaml:"nextIntervalSeconds"`
}

type DelayConfig struct {
	// MaxPollInterval 延时搬运的最大轮询间隔，限制最坏情况下的搬运延迟
	MaxPollInterval time.Duration `yaml:"maxPollInterval"`
	BatchSize       int           `yaml:"batchSize"`
	LockTTL         time.Duration `yaml:"lockTTL"`
}

type ReclaimConfig struct {
	Disabled bool `yaml:"disabled"`
	// Spec 带秒字段的 cron 表达式，默认每分钟第 17 秒，错开其他周期任务
	Spec           string        `yaml:"spec"`
	DeliverTimeout time.Duration `yaml:"deliverTimeout"`
	BatchSize      int           `yaml:"batchSize"`
	LockTTL        time.Duration `yaml:"lockTTL"`
}

type PoolConfig struct {
	CoreSize  int           `yaml:"coreSize"`
	MaxSize   int           `yaml:"maxSize"`
	KeepAlive time.Duration `yaml:"keepAlive"`
	// PermitWait 等待许可时的周期唤醒间隔
	PermitWait time.Duration `yaml:"permitWait"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

const (
	defaultNamespace               = "eventbus"
	defaultPollIntervalSeconds     = 15
	defaultLoseConnectionThreshold = 60
	defaultFailRetryCount          = 3
	defaultFailNextIntervalSeconds = 10
	defaultDelayMaxPollInterval    = 5 * time.Second
	defaultDelayBatchSize          = 100
	defaultDelayLockTTL            = 10 * time.Second
	defaultReclaimSpec             = "17 * * * * *"
	defaultReclaimDeliverTimeout   = 2 * time.Minute
	defaultReclaimBatchSize        = 100
	defaultReclaimLockTTL          = 50 * time.Second
	defaultPoolCoreSize            = 8
	defaultPoolMaxSize             = 512
	defaultPoolKeepAlive           = 60 * time.Second
	defaultPoolPermitWait          = time.Second
	defaultRedisBlock              = 2 * time.Second
	defaultConsumerConcurrency     = 1
)

// LoadConfig 从 YAML 文件读取配置；未填写的字段在 New 时补默认值。
func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// withDefaults 返回补齐默认值后的副本。
func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.BrokerType == "" {
		c.BrokerType = BrokerMemory
	}
	if c.ConsumerConcurrency <= 0 {
		c.ConsumerConcurrency = defaultConsumerConcurrency
	}
	if c.TestConnect.PollIntervalSeconds <= 0 {
		c.TestConnect.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.TestConnect.LoseConnectionThresholdSeconds <= 0 {
		c.TestConnect.LoseConnectionThresholdSeconds = defaultLoseConnectionThreshold
	}
	if c.Fail.RetryCount == 0 {
		c.Fail.RetryCount = defaultFailRetryCount
	} else if c.Fail.RetryCount < 0 {
		c.Fail.RetryCount = 0
	}
	if c.Fail.NextIntervalSeconds <= 0 {
		c.Fail.NextIntervalSeconds = defaultFailNextIntervalSeconds
	}
	if c.Delay.MaxPollInterval <= 0 {
		c.Delay.MaxPollInterval = defaultDelayMaxPollInterval
	}
	if c.Delay.BatchSize <= 0 {
		c.Delay.BatchSize = defaultDelayBatchSize
	}
	if c.Delay.LockTTL <= 0 {
		c.Delay.LockTTL = defaultDelayLockTTL
	}
	if c.Reclaim.Spec == "" {
		c.Reclaim.Spec = defaultReclaimSpec
	}
	if c.Reclaim.DeliverTimeout <= 0 {
		c.Reclaim.DeliverTimeout = defaultReclaimDeliverTimeout
	}
	if c.Reclaim.BatchSize <= 0 {
		c.Reclaim.BatchSize = defaultReclaimBatchSize
	}
	if c.Reclaim.LockTTL <= 0 {
		c.Reclaim.LockTTL = defaultReclaimLockTTL
	}
	if c.Pool.CoreSize <= 0 {
		c.Pool.CoreSize = defaultPoolCoreSize
	}
	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = defaultPoolMaxSize
	}
	if c.Pool.MaxSize < c.Pool.CoreSize {
		c.Pool.MaxSize = c.Pool.CoreSize
	}
	if c.Pool.KeepAlive <= 0 {
		c.Pool.KeepAlive = defaultPoolKeepAlive
	}
	if c.Pool.PermitWait <= 0 {
		c.Pool.PermitWait = defaultPoolPermitWait
	}
	if c.Redis.Block <= 0 {
		c.Redis.Block = defaultRedisBlock
	}
	if c.RabbitMQ.DelayMode == "" {
		c.RabbitMQ.DelayMode = DelayModeStandard
	}
	return c
}

func (c Config) validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("%w: serviceId empty", ErrInvalidConfig)
	}
	switch c.BrokerType {
	case BrokerRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis addr empty", ErrInvalidConfig)
		}
	case BrokerRabbitMQ:
		if c.RabbitMQ.URI == "" || c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("%w: rabbitmq uri/exchange empty", ErrInvalidConfig)
		}
		if c.RabbitMQ.DelayMode == DelayModeStandard && c.RabbitMQ.DelayedExchange == "" {
			return fmt.Errorf("%w: delayed exchange required in standard mode", ErrInvalidConfig)
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("%w: unsupported broker type %q", ErrInvalidConfig, c.BrokerType)
	}
	return nil
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.TestConnect.PollIntervalSeconds) * time.Second
}

func (c Config) loseConnectionThreshold() time.Duration {
	return time.Duration(c.TestConnect.LoseConnectionThresholdSeconds) * time.Second
}
