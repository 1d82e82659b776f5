package eventbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	c := Config{ServiceID: "s"}.withDefaults()
	assert.Equal(t, "eventbus", c.Namespace)
	assert.Equal(t, BrokerMemory, c.BrokerType)
	assert.Equal(t, 15*time.Second, c.pollInterval())
	assert.Equal(t, 60*time.Second, c.loseConnectionThreshold())
	assert.Equal(t, 3, c.Fail.RetryCount)
	assert.Equal(t, 10, c.Fail.NextIntervalSeconds)
	assert.Equal(t, 5*time.Second, c.Delay.MaxPollInterval)
	assert.Equal(t, "17 * * * * *", c.Reclaim.Spec)
	assert.Equal(t, DelayModeStandard, c.RabbitMQ.DelayMode)
	require.NoError(t, c.validate())

	neg := Config{ServiceID: "s", Fail: FailDefaults{RetryCount: -1}}.withDefaults()
	assert.Equal(t, 0, neg.Fail.RetryCount)
}

func TestConfig_Validate(t *testing.T) {
	cases := []Config{
		{},
		{ServiceID: "s", BrokerType: BrokerRedis},
		{ServiceID: "s", BrokerType: BrokerRabbitMQ, RabbitMQ: RabbitMQConfig{URI: "amqp://x"}},
		{ServiceID: "s", BrokerType: BrokerRabbitMQ, RabbitMQ: RabbitMQConfig{URI: "amqp://x", Exchange: "ex"}},
		{ServiceID: "s", BrokerType: "kafka"},
	}
	for i, c := range cases {
		err := c.withDefaults().validate()
		assert.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
		assert.True(t, IsConfigurationError(err))
	}
	ok := Config{ServiceID: "s", BrokerType: BrokerRabbitMQ,
		RabbitMQ: RabbitMQConfig{URI: "amqp://x", Exchange: "ex", DelayMode: DelayModeAliyun}}
	assert.NoError(t, ok.withDefaults().validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serviceId: order
brokerType: redis
consumerConcurrency: 4
redis:
  addr: 127.0.0.1:6379
  block: 500ms
  maxLen: 100000
testConnect:
  pollIntervalSeconds: 5
  loseConnectionThresholdSeconds: 30
fail:
  retryCount: 5
  nextIntervalSeconds: 2
reclaim:
  spec: "0 * * * * *"
  deliverTimeout: 1m
`), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "order", c.ServiceID)
	assert.Equal(t, BrokerRedis, c.BrokerType)
	assert.Equal(t, 4, c.ConsumerConcurrency)
	assert.Equal(t, "127.0.0.1:6379", c.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, c.Redis.Block)
	assert.Equal(t, int64(100000), c.Redis.MaxLen)
	assert.Equal(t, 5, c.TestConnect.PollIntervalSeconds)
	assert.Equal(t, 30, c.TestConnect.LoseConnectionThresholdSeconds)
	assert.Equal(t, 5, c.Fail.RetryCount)
	assert.Equal(t, time.Minute, c.Reclaim.DeliverTimeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
