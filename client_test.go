package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	cfg := Config{
		ServiceID:  "order",
		BrokerType: BrokerMemory,
		Delay:      DelayConfig{MaxPollInterval: 50 * time.Millisecond},
		Redis:      RedisConfig{Block: 50 * time.Millisecond},
		Reclaim:    ReclaimConfig{Disabled: true},
	}
	b, err := New(context.Background(), cfg, append([]Option{WithLogger(nopLogger{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func TestBus_RetryUntilTerminal(t *testing.T) {
	const unit = 100 * time.Millisecond
	var (
		mu    sync.Mutex
		times []time.Time
		final = make(chan *Envelope, 1)
	)
	b := newTestBus(t, withDelayUnit(unit))
	require.NoError(t, b.Register(ListenerDescriptor{
		ServiceID: "order",
		Codes:     []string{"orderCreated"},
		Fail:      &FailConfig{RetryCount: 3, NextInterval: "$count*2"},
		OnMessage: func(context.Context, *Envelope, *Invocation) error {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			return errors.New("always")
		},
		OnFail: func(_ context.Context, e *Envelope, _ error) { final <- e },
	}))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	reqID, err := b.Send(ctx, "orderCreated", []byte(`{"id":1}`))
	require.NoError(t, err)

	select {
	case e := <-final:
		assert.Equal(t, 4, e.DeliverCount)
		assert.Equal(t, reqID, e.RequestID)
		assert.Equal(t, `{"id":1}`, string(e.Body))
	case <-time.After(10 * time.Second):
		t.Fatal("terminal fail hook not called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 4)
	for i, want := range []time.Duration{2 * unit, 4 * unit, 6 * unit} {
		gap := times[i+1].Sub(times[i])
		assert.GreaterOrEqual(t, gap, want-5*time.Millisecond, "gap %d", i)
		assert.Less(t, gap, want+2*time.Second, "gap %d", i)
	}
}

func TestBus_SendDelayedAndHooks(t *testing.T) {
	var successes atomic.Int32
	got := make(chan time.Time, 1)
	b := newTestBus(t, WithSuccessHook(func(context.Context, *Envelope) { successes.Add(1) }))
	require.NoError(t, b.Register(ListenerDescriptor{
		ServiceID: "order", Codes: []string{"closeUnpaid"}, Type: MessageDelay,
		OnMessage: func(_ context.Context, e *Envelope, _ *Invocation) error {
			assert.Equal(t, MessageDelay, e.Type)
			assert.Equal(t, "v", e.Headers["k"])
			got <- time.Now()
			return nil
		},
	}))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	start := time.Now()
	_, err := b.SendDelayed(ctx, "closeUnpaid", nil, 300*time.Millisecond, WithHeaders(map[string]string{"k": "v"}))
	require.NoError(t, err)
	select {
	case at := <-got:
		assert.GreaterOrEqual(t, at.Sub(start), 300*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed message not delivered")
	}
	require.Eventually(t, func() bool { return successes.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBus_ToDelayAndPolling(t *testing.T) {
	var rounds atomic.Int32
	done := make(chan struct{})
	b := newTestBus(t, withDelayUnit(10*time.Millisecond))
	require.NoError(t, b.Register(ListenerDescriptor{
		ServiceID: "order", Codes: []string{"checkPay"},
		ToDelay: &ToDelayConfig{Delay: 100 * time.Millisecond},
		Polling: &PollingConfig{Count: 3, Interval: "1"},
		OnMessage: func(_ context.Context, e *Envelope, _ *Invocation) error {
			assert.True(t, e.ToDelay)
			if rounds.Add(1) == 3 {
				close(done)
			}
			return nil
		},
	}))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	_, err := b.Send(ctx, "checkPay", nil)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("polling rounds: %d", rounds.Load())
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), rounds.Load())
}

func TestBus_RegisterErrors(t *testing.T) {
	b := newTestBus(t)
	d := ListenerDescriptor{ServiceID: "order", Codes: []string{"a"}, OnMessage: nopListener}
	require.NoError(t, b.Register(d))
	err := b.Register(d)
	assert.ErrorIs(t, err, ErrDuplicateListener)
	assert.True(t, IsConfigurationError(err))

	err = b.Register(ListenerDescriptor{ServiceID: "order", Codes: []string{"b"}, OnMessage: nopListener,
		Fail: &FailConfig{RetryCount: 1, NextInterval: "$count*"}})
	assert.ErrorIs(t, err, ErrInvalidExpression)

	require.NoError(t, b.Start(context.Background()))
	err = b.Register(ListenerDescriptor{ServiceID: "order", Codes: []string{"c"}, OnMessage: nopListener})
	assert.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestBus_SendAfterClose(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close(context.Background()))
	_, err := b.Send(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.Start(context.Background()), ErrBusClosed)
}

func TestBus_HandleRecordAckRules(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Register(ListenerDescriptor{ServiceID: "order", Codes: []string{"a"},
		OnMessage: failing(errors.New("x"))}))
	ctx := context.Background()

	assert.Equal(t, Ack, b.handleRecord(ctx, []byte("not json")))

	orphan, err := encodeEnvelope(newEnvelope("order", "missing", MessageTimely, nil))
	require.NoError(t, err)
	assert.Equal(t, Ack, b.handleRecord(ctx, orphan))

	// 重试发布失败时不确认，交给回收
	ms := b.store.(*memoryStore)
	ms.setAvailable(false)
	payload, err := encodeEnvelope(newEnvelope("order", "a", MessageTimely, nil))
	require.NoError(t, err)
	assert.Equal(t, Nack, b.handleRecord(ctx, payload))
	ms.setAvailable(true)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(context.Background(), Config{ServiceID: "s", BrokerType: "kafka"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type stubContainer struct {
	registerErr          error
	registered, destroys atomic.Int32
}

func (c *stubContainer) Register(context.Context) error {
	if c.registerErr != nil {
		return c.registerErr
	}
	c.registered.Add(1)
	return nil
}

func (c *stubContainer) Destroy(context.Context) error {
	c.destroys.Add(1)
	return nil
}

// stubBroker 记录创建的容器；failTopic 对应的容器注册失败。
type stubBroker struct {
	mu         sync.Mutex
	failTopic  string
	containers []*stubContainer
}

func (b *stubBroker) Publish(context.Context, string, []byte) error { return nil }

func (b *stubBroker) PublishDelayed(context.Context, string, []byte, time.Duration) error { return nil }

func (b *stubBroker) Subscribe(topic, _ string, _ int, _ RecordHandler) (Lifecycle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &stubContainer{}
	if topic == b.failTopic {
		c.registerErr = errors.New("queue declare refused")
	}
	b.containers = append(b.containers, c)
	return c, nil
}

func (b *stubBroker) TestConnect(context.Context) bool { return true }

func (b *stubBroker) Close(context.Context) error { return nil }

func (b *stubBroker) snapshot() []*stubContainer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*stubContainer(nil), b.containers...)
}

func TestBus_StartRollsBackOnRegisterFailure(t *testing.T) {
	br := &stubBroker{}
	b := newTestBus(t, WithBroker(br))
	for _, code := range []string{"a", "b"} {
		require.NoError(t, b.Register(ListenerDescriptor{ServiceID: "order", Codes: []string{code}, OnMessage: nopListener}))
	}
	br.failTopic = b.delayTopic("order")
	ctx := context.Background()

	err := b.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue declare refused")
	first := br.snapshot()
	require.Len(t, first, 3)
	for _, c := range first {
		if c.registerErr == nil {
			assert.Equal(t, int32(1), c.destroys.Load(), "registered container destroyed on failed start")
		}
	}
	assert.Empty(t, b.containers)

	br.failTopic = ""
	require.NoError(t, b.Start(ctx), "start can be retried")
	second := br.snapshot()[3:]
	require.Len(t, second, 3)
	for _, c := range second {
		assert.Equal(t, int32(1), c.registered.Load())
	}
	require.NoError(t, b.Close(ctx))
	for _, c := range second {
		assert.Equal(t, int32(1), c.destroys.Load())
	}
}
