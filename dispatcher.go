package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// redeliverFunc 把信封送回延时通道（按信封 serviceId 的延时 topic）。
type redeliverFunc func(ctx context.Context, env *Envelope, delay time.Duration) error

// Dispatcher 调用监听器回调并根据结果驱动重试、轮询与终态失败。
//
// 同一 requestId 的 deliverCount 只增不减；调度器不做去重，监听器需容忍重复投递。
type Dispatcher struct {
	registry    *Registry
	pool        *Pool
	redeliver   redeliverFunc
	fail        FailDefaults
	logger      Logger
	metrics     *metrics
	onSuccess   SuccessHook
	onError     ErrorHook
	middlewares []ListenerMiddleware
	// delayUnit 退避表达式结果的时间单位，默认秒
	delayUnit time.Duration
	now       func() time.Time
}

type dispatcherOptions struct {
	registry    *Registry
	pool        *Pool
	redeliver   redeliverFunc
	fail        FailDefaults
	logger      Logger
	metrics     *metrics
	onSuccess   SuccessHook
	onError     ErrorHook
	middlewares []ListenerMiddleware
	delayUnit   time.Duration
}

func newDispatcher(o dispatcherOptions) *Dispatcher {
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	if o.delayUnit <= 0 {
		o.delayUnit = time.Second
	}
	return &Dispatcher{
		registry:    o.registry,
		pool:        o.pool,
		redeliver:   o.redeliver,
		fail:        o.fail,
		logger:      o.logger,
		metrics:     o.metrics,
		onSuccess:   o.onSuccess,
		onError:     o.onError,
		middlewares: o.middlewares,
		delayUnit:   o.delayUnit,
		now:         time.Now,
	}
}

// Deliver 解析信封目标并投递。返回错误表示本条记录不应确认（重投发布失败或拿不到许可），
// 监听器自身的失败不会作为错误返回。
func (d *Dispatcher) Deliver(ctx context.Context, env *Envelope) error {
	l, err := d.registry.Resolve(destinationOf(env))
	if err != nil {
		return err
	}
	return d.deliver(ctx, l, env)
}

func (d *Dispatcher) deliver(ctx context.Context, l *Listener, env *Envelope) error {
	if d.shouldConvertToDelay(l, env) {
		return d.convertToDelay(ctx, l, env)
	}

	group, limit := l.deliverID, l.desc.Concurrency
	if env.DeliverCount > 1 || env.PollingCount > 0 {
		group, limit = l.retryGroup(), l.desc.RetryConcurrency
	}
	release, err := d.pool.Acquire(ctx, group, limit)
	if err != nil {
		return fmt.Errorf("acquire permit %s: %w", group, err)
	}
	inv := &Invocation{}
	err = d.invoke(ctx, l, env, inv)
	release()

	if errors.Is(err, ErrDuplicateDelivery) {
		// 重复到达：原投递已处理并负责了后续轮询
		d.metrics.delivered(ctx, l.deliverID, outcomeDup)
		d.logger.Info(ctx, "duplicate delivery skipped", "deliverId", l.deliverID, "requestId", env.RequestID,
			"deliverCount", env.DeliverCount, "pollingCount", env.PollingCount)
		return nil
	}
	if err == nil {
		d.metrics.delivered(ctx, l.deliverID, outcomeSuccess)
		d.safeSuccess(ctx, env)
		return d.schedulePolling(ctx, l, env, inv)
	}

	maxRetry, interval := d.failPolicy(l)
	if env.DeliverCount <= maxRetry {
		return d.retry(ctx, l, env, inv, interval, err)
	}
	d.metrics.delivered(ctx, l.deliverID, outcomeTerminal)
	d.metrics.terminated(ctx, l.deliverID)
	d.logger.Error(ctx, "delivery failed terminally", "deliverId", l.deliverID, "requestId", env.RequestID,
		"deliverCount", env.DeliverCount, "error", err.Error())
	d.terminal(ctx, l, env, err)
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, l *Listener, env *Envelope, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panic: %v", l.deliverID, r)
		}
	}()
	fn := chainMiddleware(l.desc.OnMessage, d.middlewares)
	return fn(ctx, env, inv)
}

// failPolicy 失败配置优先级：监听器 FailConfig（逐字段）> 全局 fail.*。
func (d *Dispatcher) failPolicy(l *Listener) (maxRetry int, interval string) {
	maxRetry = d.fail.RetryCount
	interval = strconv.Itoa(d.fail.NextIntervalSeconds)
	if f := l.desc.Fail; f != nil {
		maxRetry = f.RetryCount
		if f.NextInterval != "" {
			interval = f.NextInterval
		}
	}
	return maxRetry, interval
}

func (d *Dispatcher) backoffVars(count int, env *Envelope) map[string]int64 {
	elapsed := int64(0)
	if env.Timestamp > 0 {
		elapsed = (d.now().UnixMilli() - env.Timestamp) / 1000
		if elapsed < 0 {
			elapsed = 0
		}
	}
	return map[string]int64{
		VarCount:        int64(count),
		VarDeliverCount: int64(env.DeliverCount),
		VarIntervalTime: elapsed,
	}
}

// evalDelay 计算下一次间隔（单位秒）；表达式运行期出错时退回全局默认间隔。
func (d *Dispatcher) evalDelay(ctx context.Context, l *Listener, expr string, vars map[string]int64) int64 {
	secs, err := EvalBackoff(expr, vars)
	if err != nil {
		d.logger.Error(ctx, "backoff expression failed", "deliverId", l.deliverID, "expr", expr, "error", err.Error())
		secs = int64(d.fail.NextIntervalSeconds)
	}
	if secs < 0 {
		secs = 0
	}
	return secs
}

func (d *Dispatcher) retry(ctx context.Context, l *Listener, env *Envelope, inv *Invocation, interval string, cause error) error {
	next := env.Clone()
	next.FailRetryCount++
	secs := d.evalDelay(ctx, l, interval, d.backoffVars(next.FailRetryCount, env))
	delay := time.Duration(secs) * d.delayUnit
	if inv.hasNext {
		delay = inv.nextDelay
		secs = int64(delay / time.Second)
	}
	next.DeliverCount++
	next.DelayTime = secs
	next.DeliverID = l.deliverID
	next.Timestamp = d.now().UnixMilli()

	if err := d.redeliver(ctx, next, delay); err != nil {
		d.logger.Error(ctx, "schedule retry failed", "deliverId", l.deliverID, "requestId", env.RequestID, "error", err.Error())
		return fmt.Errorf("schedule retry %s: %w", env.RequestID, err)
	}
	d.metrics.delivered(ctx, l.deliverID, outcomeRetry)
	d.metrics.retried(ctx, l.deliverID)
	d.logger.Info(ctx, "delivery scheduled for retry", "deliverId", l.deliverID, "requestId", env.RequestID,
		"deliverCount", next.DeliverCount, "delay", delay.String(), "error", cause.Error())
	return nil
}

func (d *Dispatcher) schedulePolling(ctx context.Context, l *Listener, env *Envelope, inv *Invocation) error {
	if !l.hasPolling() || inv.stopPolling || env.PollingCount+1 >= l.desc.Polling.Count {
		return nil
	}
	next := env.Clone()
	next.PollingCount++
	secs := d.evalDelay(ctx, l, l.desc.Polling.Interval, d.backoffVars(next.PollingCount, env))
	delay := time.Duration(secs) * d.delayUnit
	if inv.hasNext {
		delay = inv.nextDelay
		secs = int64(delay / time.Second)
	}
	next.DelayTime = secs
	next.DeliverID = l.deliverID
	next.Timestamp = d.now().UnixMilli()
	if err := d.redeliver(ctx, next, delay); err != nil {
		d.logger.Error(ctx, "schedule polling failed", "deliverId", l.deliverID, "requestId", env.RequestID, "error", err.Error())
		return fmt.Errorf("schedule polling %s: %w", env.RequestID, err)
	}
	d.metrics.delivered(ctx, l.deliverID, outcomePolling)
	return nil
}

// shouldConvertToDelay 首次到达的即时消息，若监听器配置了 ToDelay，则先转入延时通道。
func (d *Dispatcher) shouldConvertToDelay(l *Listener, env *Envelope) bool {
	return l.desc.ToDelay != nil && env.Type == MessageTimely && !env.ToDelay &&
		env.DeliverCount == 1 && env.PollingCount == 0
}

func (d *Dispatcher) convertToDelay(ctx context.Context, l *Listener, env *Envelope) error {
	next := env.Clone()
	next.ToDelay = true
	next.DeliverID = l.deliverID
	next.DelayTime = int64(l.desc.ToDelay.Delay / time.Second)
	next.Timestamp = d.now().UnixMilli()
	if err := d.redeliver(ctx, next, l.desc.ToDelay.Delay); err != nil {
		return fmt.Errorf("convert to delay %s: %w", env.RequestID, err)
	}
	d.metrics.delivered(ctx, l.deliverID, outcomeRedelay)
	return nil
}

func (d *Dispatcher) terminal(ctx context.Context, l *Listener, env *Envelope, cause error) {
	if l.desc.OnFail != nil {
		d.safeHook(ctx, "listener fail hook", func() { l.desc.OnFail(ctx, env, cause) })
	}
	if d.onError != nil {
		d.safeHook(ctx, "global error hook", func() { d.onError(ctx, env, cause) })
	}
}

func (d *Dispatcher) safeSuccess(ctx context.Context, env *Envelope) {
	if d.onSuccess != nil {
		d.safeHook(ctx, "success hook", func() { d.onSuccess(ctx, env) })
	}
}

func (d *Dispatcher) safeHook(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, name+" panic", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
