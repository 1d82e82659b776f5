package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WatchdogState 连接看门狗状态。
type WatchdogState int

const (
	StateConnected WatchdogState = iota
	StateDisconnectedTransient
	StateDestroyed
)

func (s WatchdogState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDisconnectedTransient:
		return "DISCONNECTED_TRANSIENT"
	case StateDestroyed:
		return "DESTROYED"
	}
	return fmt.Sprintf("WatchdogState(%d)", int(s))
}

// Watchdog 按固定间隔探测中间件连通性，断连超过阈值后销毁全部监听容器，恢复后重新注册。
//
// 探测异常视为失败；单个容器 Register/Destroy 失败只记录日志，不影响其他容器与循环本身。
type Watchdog struct {
	probe     func(ctx context.Context) bool
	interval  time.Duration
	threshold time.Duration
	logger    Logger
	now       func() time.Time

	mu           sync.Mutex
	state        WatchdogState
	firstFailure time.Time
	destroyed    bool
	containers   []Lifecycle

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatchdog(probe func(ctx context.Context) bool, interval, threshold time.Duration, logger Logger) *Watchdog {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Watchdog{
		probe:     probe,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
		state:     StateConnected,
	}
}

// Add 登记受监管的容器。
func (w *Watchdog) Add(l Lifecycle) {
	w.mu.Lock()
	w.containers = append(w.containers, l)
	w.mu.Unlock()
}

func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(w.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.Tick(ctx)
			}
		}
	}()
}

func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick 执行一次探测并推进状态机。
func (w *Watchdog) Tick(ctx context.Context) {
	ok := w.safeProbe(ctx)
	now := w.now()

	w.mu.Lock()
	var (
		doRegister bool
		doDestroy  bool
		containers = append([]Lifecycle(nil), w.containers...)
	)
	prev := w.state
	if ok {
		if w.state != StateConnected {
			w.state = StateConnected
			w.firstFailure = time.Time{}
			if w.destroyed {
				w.destroyed = false
				doRegister = true
			}
		}
	} else {
		if w.state == StateConnected {
			w.state = StateDisconnectedTransient
			w.firstFailure = now
		}
		if w.state == StateDisconnectedTransient && !w.destroyed && now.Sub(w.firstFailure) >= w.threshold {
			w.state = StateDestroyed
			w.destroyed = true
			doDestroy = true
		}
	}
	state := w.state
	w.mu.Unlock()

	if prev != state {
		w.logger.Info(ctx, "broker connection state changed", "from", prev.String(), "to", state.String())
	}
	if doDestroy {
		for _, c := range containers {
			if err := w.safeCall(ctx, c.Destroy); err != nil {
				w.logger.Error(ctx, "destroy container failed", "error", err.Error())
			}
		}
	}
	if doRegister {
		for _, c := range containers {
			if err := w.safeCall(ctx, c.Register); err != nil {
				w.logger.Error(ctx, "register container failed", "error", err.Error())
			}
		}
	}
}

func (w *Watchdog) safeProbe(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, "connection probe panic", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return w.probe(ctx)
}

func (w *Watchdog) safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
