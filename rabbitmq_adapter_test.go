package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeQueueName(t *testing.T) {
	assert.Equal(t, "eventbus:timely:order:created", sanitizeQueueName("eventbus:timely:order:created"))
	assert.Equal(t, "ab", sanitizeQueueName("a */#b"))
	assert.Equal(t, "q", sanitizeQueueName("*#"))
}

func TestRabbitBroker_DelayRoute(t *testing.T) {
	std := &rabbitBroker{cfg: RabbitMQConfig{Exchange: "ex", DelayedExchange: "dx"}, mode: DelayModeStandard}
	ex, h := std.delayRoute(1500 * time.Millisecond)
	assert.Equal(t, "dx", ex)
	assert.Equal(t, int64(1500), h["x-delay"])

	ali := &rabbitBroker{cfg: RabbitMQConfig{Exchange: "ex"}, mode: DelayModeAliyun}
	ex, h = ali.delayRoute(-time.Second)
	assert.Equal(t, "ex", ex)
	assert.Equal(t, "0", h["delay"])
}

func TestNewRabbitBroker_InvalidConfig(t *testing.T) {
	_, err := newRabbitBroker(RabbitMQConfig{URI: "amqp://x"}, nil, nopLogger{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = newRabbitBroker(RabbitMQConfig{URI: "amqp://x", Exchange: "ex"}, nil, nopLogger{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

type fakeConsumerChannel struct {
	mu      sync.Mutex
	msgs    chan amqp.Delivery
	notify  chan *amqp.Error
	closed  bool
	queue   string
	binding string
}

func newFakeConsumerChannel() *fakeConsumerChannel {
	return &fakeConsumerChannel{msgs: make(chan amqp.Delivery, 4)}
}

func (f *fakeConsumerChannel) Qos(int, int, bool) error { return nil }

func (f *fakeConsumerChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.queue = name
	return amqp.Queue{Name: name}, nil
}

func (f *fakeConsumerChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	f.binding = key
	return nil
}

func (f *fakeConsumerChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.msgs, nil
}

func (f *fakeConsumerChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = c
	return c
}

func (f *fakeConsumerChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	close(f.msgs)
	return nil
}

// serverClose 模拟服务器关闭 channel：先通知错误，再关闭消费通道。
func (f *fakeConsumerChannel) serverClose(err *amqp.Error) {
	f.mu.Lock()
	notify := f.notify
	f.mu.Unlock()
	notify <- err
	_ = f.Close()
}

func (f *fakeConsumerChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type countingAcker struct{ acks, nacks atomic.Int32 }

func (a *countingAcker) Ack(uint64, bool) error        { a.acks.Add(1); return nil }
func (a *countingAcker) Nack(uint64, bool, bool) error { a.nacks.Add(1); return nil }
func (a *countingAcker) Reject(uint64, bool) error     { return nil }

// newFakeContainer 的 failOpen 指定第几次打开 channel 失败，0 表示从不失败。
func newFakeContainer(t *testing.T, failOpen int, handler RecordHandler) (*rabbitContainer, func() []*fakeConsumerChannel) {
	t.Helper()
	pool := NewPool(PoolConfig{CoreSize: 1, MaxSize: 2}, nil)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	var (
		mu     sync.Mutex
		opened []*fakeConsumerChannel
		calls  int
	)
	c := &rabbitContainer{
		r:             &rabbitBroker{cfg: RabbitMQConfig{Exchange: "ex"}, mode: DelayModeAliyun, pool: pool, logger: nopLogger{}},
		topic:         "eventbus:timely:order:created",
		group:         "order",
		concurrency:   1,
		handler:       handler,
		reviveBackoff: 10 * time.Millisecond,
	}
	c.open = func() (consumerChannel, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == failOpen {
			return nil, errors.New("connection reset")
		}
		f := newFakeConsumerChannel()
		opened = append(opened, f)
		return f, nil
	}
	return c, func() []*fakeConsumerChannel {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeConsumerChannel(nil), opened...)
	}
}

func TestRabbitContainer_RevivesAfterServerClose(t *testing.T) {
	got := make(chan string, 1)
	c, opened := newFakeContainer(t, 2, func(_ context.Context, b []byte) AckAction {
		got <- string(b)
		return Ack
	})
	ctx := context.Background()
	require.NoError(t, c.Register(ctx))
	first := opened()[0]
	assert.Equal(t, "eventbus:timely:order:created-order", first.queue)

	first.serverClose(&amqp.Error{Code: amqp.ChannelError, Reason: "PRECONDITION_FAILED"})
	require.Eventually(t, func() bool { return len(opened()) == 2 }, 2*time.Second, 5*time.Millisecond)

	second := opened()[1]
	acker := &countingAcker{}
	second.msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("after")}
	select {
	case b := <-got:
		assert.Equal(t, "after", b)
	case <-time.After(2 * time.Second):
		t.Fatal("revived consumer did not deliver")
	}
	require.Eventually(t, func() bool { return acker.acks.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Destroy(ctx))
	assert.True(t, second.isClosed())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, opened(), 2, "destroyed container is not revived")
}

func TestRabbitContainer_DestroyedStaysDown(t *testing.T) {
	c, opened := newFakeContainer(t, 0, func(context.Context, []byte) AckAction { return Ack })
	ctx := context.Background()
	require.NoError(t, c.Register(ctx))
	first := opened()[0]
	require.NoError(t, c.Destroy(ctx))
	assert.True(t, first.isClosed())

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, opened(), 1)

	// 看门狗恢复后重新注册
	require.NoError(t, c.Register(ctx))
	require.NoError(t, c.Register(ctx))
	assert.Len(t, opened(), 2)
	require.NoError(t, c.Destroy(ctx))
}
