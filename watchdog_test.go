package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingContainer struct {
	registers int32
	destroys  int32
	failWith  error
}

func (c *countingContainer) Register(context.Context) error {
	atomic.AddInt32(&c.registers, 1)
	return c.failWith
}

func (c *countingContainer) Destroy(context.Context) error {
	atomic.AddInt32(&c.destroys, 1)
	return c.failWith
}

func TestWatchdog_DestroyOnceThenRegisterOnce(t *testing.T) {
	clk := newFakeClock()
	var up atomic.Bool
	w := NewWatchdog(func(context.Context) bool { return up.Load() }, 15*time.Second, 60*time.Second, nil)
	w.now = clk.Now
	c1 := &countingContainer{}
	c2 := &countingContainer{}
	w.Add(c1)
	w.Add(c2)
	ctx := context.Background()

	w.Tick(ctx)
	assert.Equal(t, StateDisconnectedTransient, w.State())

	for i := 0; i < 3; i++ {
		clk.Advance(15 * time.Second)
		w.Tick(ctx)
		assert.Equal(t, StateDisconnectedTransient, w.State(), "before threshold")
	}
	assert.Zero(t, atomic.LoadInt32(&c1.destroys))

	clk.Advance(15 * time.Second) // 共 60s
	w.Tick(ctx)
	assert.Equal(t, StateDestroyed, w.State())
	for i := 0; i < 5; i++ {
		clk.Advance(15 * time.Second)
		w.Tick(ctx)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&c1.destroys))
	assert.Equal(t, int32(1), atomic.LoadInt32(&c2.destroys))
	assert.Zero(t, atomic.LoadInt32(&c1.registers))

	up.Store(true)
	w.Tick(ctx)
	w.Tick(ctx)
	assert.Equal(t, StateConnected, w.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&c1.registers))
	assert.Equal(t, int32(1), atomic.LoadInt32(&c2.registers))
}

func TestWatchdog_TransientRecoveryKeepsContainers(t *testing.T) {
	clk := newFakeClock()
	var up atomic.Bool
	w := NewWatchdog(func(context.Context) bool { return up.Load() }, time.Second, time.Minute, nil)
	w.now = clk.Now
	c := &countingContainer{}
	w.Add(c)

	w.Tick(context.Background())
	assert.Equal(t, StateDisconnectedTransient, w.State())
	clk.Advance(30 * time.Second)
	up.Store(true)
	w.Tick(context.Background())
	assert.Equal(t, StateConnected, w.State())
	assert.Zero(t, atomic.LoadInt32(&c.destroys))
	assert.Zero(t, atomic.LoadInt32(&c.registers))

	// 新一轮断连重新计时
	up.Store(false)
	clk.Advance(50 * time.Second)
	w.Tick(context.Background())
	clk.Advance(50 * time.Second)
	w.Tick(context.Background())
	assert.Equal(t, StateDisconnectedTransient, w.State())
	assert.Zero(t, atomic.LoadInt32(&c.destroys))
}

func TestWatchdog_ProbePanicAndContainerErrors(t *testing.T) {
	clk := newFakeClock()
	var mode atomic.Int32 // 0 panic, 1 up
	w := NewWatchdog(func(context.Context) bool {
		if mode.Load() == 0 {
			panic("probe exploded")
		}
		return true
	}, time.Second, 0, nil)
	w.now = clk.Now
	bad := &countingContainer{failWith: errors.New("boom")}
	good := &countingContainer{}
	w.Add(bad)
	w.Add(good)

	require.NotPanics(t, func() { w.Tick(context.Background()) })
	assert.Equal(t, StateDestroyed, w.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&good.destroys), "one failing container must not block the others")

	mode.Store(1)
	w.Tick(context.Background())
	assert.Equal(t, StateConnected, w.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&good.registers))
	assert.Equal(t, int32(1), atomic.LoadInt32(&bad.registers))
}

func TestWatchdog_StartStop(t *testing.T) {
	var probes atomic.Int32
	w := NewWatchdog(func(context.Context) bool { probes.Add(1); return true }, 10*time.Millisecond, time.Second, nil)
	w.Start(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
	n := probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, probes.Load())
}
