package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemKV() *memKV { return &memKV{keys: map[string]string{}} }

func (m *memKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = value
	return true, nil
}

func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func TestIdempotencyMiddleware(t *testing.T) {
	kv := newMemKV()
	calls := 0
	fn := NewIdempotencyMiddleware(IdempotencyConfig{KV: kv})(func(context.Context, *Envelope, *Invocation) error {
		calls++
		return nil
	})
	ctx := context.Background()
	env := newEnvelope("s", "c", MessageTimely, nil)

	require.NoError(t, fn(ctx, env, &Invocation{}))
	assert.ErrorIs(t, fn(ctx, env.Clone(), &Invocation{}), ErrDuplicateDelivery)
	assert.Equal(t, 1, calls, "duplicate delivery skipped")

	retry := env.Clone()
	retry.DeliverCount++
	require.NoError(t, fn(ctx, retry, &Invocation{}))
	assert.Equal(t, 2, calls, "application retry has its own key")

	poll := env.Clone()
	poll.PollingCount++
	require.NoError(t, fn(ctx, poll, &Invocation{}))
	assert.Equal(t, 3, calls)
}

func TestIdempotencyMiddleware_FailureReleasesKey(t *testing.T) {
	kv := newMemKV()
	fail := true
	calls := 0
	fn := NewIdempotencyMiddleware(IdempotencyConfig{KV: kv, Prefix: "p"})(func(context.Context, *Envelope, *Invocation) error {
		calls++
		if fail {
			return errors.New("x")
		}
		return nil
	})
	env := newEnvelope("s", "c", MessageTimely, nil)
	assert.Error(t, fn(context.Background(), env, &Invocation{}))
	fail = false
	assert.NoError(t, fn(context.Background(), env, &Invocation{}))
	assert.Equal(t, 2, calls)
	assert.Len(t, kv.keys, 1)
}

func TestIdempotencyMiddleware_KeyFunc(t *testing.T) {
	kv := newMemKV()
	calls := 0
	fn := NewIdempotencyMiddleware(IdempotencyConfig{KV: kv,
		KeyFunc: func(_ context.Context, e *Envelope) (string, error) { return string(e.Body), nil },
	})(func(context.Context, *Envelope, *Invocation) error { calls++; return nil })
	ctx := context.Background()
	require.NoError(t, fn(ctx, newEnvelope("s", "c", MessageTimely, []byte("order-1")), &Invocation{}))
	assert.ErrorIs(t, fn(ctx, newEnvelope("s", "c", MessageTimely, []byte("order-1")), &Invocation{}), ErrDuplicateDelivery)
	assert.Equal(t, 1, calls)
}

func TestIdempotencyMiddleware_RequiresKV(t *testing.T) {
	assert.Panics(t, func() { NewIdempotencyMiddleware(IdempotencyConfig{}) })
}

func TestRecoverMiddleware(t *testing.T) {
	fn := RecoverMiddleware()(func(context.Context, *Envelope, *Invocation) error { panic("boom") })
	err := fn(context.Background(), newEnvelope("s", "c", MessageTimely, nil), &Invocation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
