package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Bus 对外统一入口：监听器注册、消息发送与后台循环（投递、延时搬运、回收、连接看门狗）的生命周期。
// 通过 New 构造，按配置选择具体中间件适配器。
// 所有方法要求调用方传递 context 控制超时/取消。
//
// 线程安全：Register 只允许在 Start 之前调用，其余方法可并发调用。
type Bus struct {
	cfg    Config
	logger Logger

	registry   *Registry
	pool       *Pool
	store      Store
	broker     Broker
	dispatcher *Dispatcher
	watchdog   *Watchdog
	reclaimer  *Reclaimer
	metrics    *metrics

	meterProvider metric.MeterProvider
	onSuccess     SuccessHook
	onError       ErrorHook
	middlewares   []ListenerMiddleware
	delayUnit     time.Duration

	mu         sync.Mutex
	started    bool
	closed     bool
	containers []Lifecycle
}

// New 创建 Bus 实例。
func New(ctx context.Context, cfg Config, opts ...Option) (*Bus, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Bus{cfg: cfg, registry: NewRegistry(), delayUnit: time.Second}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = newDefaultLogger(cfg.Logger.Level)
	}
	b.metrics = newMetrics(b.meterProvider)
	b.pool = NewPool(cfg.Pool, b.logger)

	// 根据 BrokerType 装配中间件
	if b.broker == nil {
		if b.store == nil {
			switch cfg.BrokerType {
			case BrokerRabbitMQ:
				rb, err := newRabbitBroker(cfg.RabbitMQ, b.pool, b.logger)
				if err != nil {
					return nil, err
				}
				b.broker = rb
			case BrokerRedis:
				rs, err := newRedisStore(cfg.Redis)
				if err != nil {
					return nil, err
				}
				b.store = rs
			default:
				b.store = NewMemoryStore()
			}
		}
		if b.store != nil {
			b.broker = newLogBroker(b.store, b.pool, cfg, b.logger, b.metrics)
		}
	}

	// 幂等中间件（可选启用）：提供 KV 或 Redis 参数即开启，放在最外层
	mws := b.middlewares
	if cfg.Idempotency.enabled() {
		idemCfg := cfg.Idempotency
		if idemCfg.KV == nil {
			idemCfg.KV = newRedisKV(idemCfg)
		}
		mws = append([]ListenerMiddleware{NewIdempotencyMiddleware(idemCfg)}, mws...)
	}

	b.dispatcher = newDispatcher(dispatcherOptions{
		registry:    b.registry,
		pool:        b.pool,
		redeliver:   b.redeliver,
		fail:        cfg.Fail,
		logger:      b.logger,
		metrics:     b.metrics,
		onSuccess:   b.onSuccess,
		onError:     b.onError,
		middlewares: mws,
		delayUnit:   b.delayUnit,
	})
	b.watchdog = NewWatchdog(b.broker.TestConnect, cfg.pollInterval(), cfg.loseConnectionThreshold(), b.logger)
	// RabbitMQ 由 broker 自身重投未确认消息，不需要回收
	if b.store != nil && !cfg.Reclaim.Disabled {
		b.reclaimer = newReclaimer(b.store, b.broker, cfg.Reclaim, cfg.Namespace+":reclaim:lock", b.logger, b.metrics)
	}
	return b, nil
}

// Option 允许注入替换默认行为（如 Logger）。
type Option func(*Bus)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSuccessHook 监听器调用成功后的全局钩子。
func WithSuccessHook(h SuccessHook) Option { return func(b *Bus) { b.onSuccess = h } }

// WithErrorHook 全局终态失败钩子，在监听器 OnFail 之后调用。
func WithErrorHook(h ErrorHook) Option { return func(b *Bus) { b.onError = h } }

// WithMiddleware 追加监听器中间件。
func WithMiddleware(mws ...ListenerMiddleware) Option {
	return func(b *Bus) { b.middlewares = append(b.middlewares, mws...) }
}

// WithStore 使用给定的存储构建日志型 broker，忽略 BrokerType。
func WithStore(s Store) Option { return func(b *Bus) { b.store = s } }

// WithBroker 直接注入 broker 适配器；此时不启用回收。
func WithBroker(br Broker) Option { return func(b *Bus) { b.broker = br } }

// WithMeterProvider 指定 OpenTelemetry MeterProvider，默认使用全局实例。
func WithMeterProvider(mp metric.MeterProvider) Option { return func(b *Bus) { b.meterProvider = mp } }

// withDelayUnit 退避表达式结果的时间单位，测试中缩短等待。
func withDelayUnit(d time.Duration) Option { return func(b *Bus) { b.delayUnit = d } }

// Register 注册监听器，只能在 Start 之前调用。
func (b *Bus) Register(d ListenerDescriptor) error {
	_, err := b.registry.Register(d)
	return err
}

// Registry 返回监听器注册表（Start 之后只读）。
func (b *Bus) Registry() *Registry { return b.registry }

// State 返回连接看门狗当前状态。
func (b *Bus) State() WatchdogState { return b.watchdog.State() }

// Pool 返回投递使用的分组并发池。
func (b *Bus) Pool() *Pool { return b.pool }

func (b *Bus) timelyTopic(serviceID, code string) string {
	return b.cfg.Namespace + ":timely:" + serviceID + ":" + code
}

func (b *Bus) delayTopic(serviceID string) string {
	return b.cfg.Namespace + ":delay:" + serviceID
}

// Start 冻结注册表，为每个监听器创建即时容器、为每个 serviceId 创建延时容器，并启动看门狗与回收。
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	b.registry.Freeze()
	subs, err := b.subscribeAll(ctx)
	bg := context.WithoutCancel(ctx)
	if err == nil && b.reclaimer != nil {
		if err = b.reclaimer.Start(bg); err != nil {
			err = fmt.Errorf("start reclaimer: %w", err)
		}
	}
	if err != nil {
		b.rollbackStart(ctx, subs)
		return err
	}

	b.mu.Lock()
	for _, sub := range subs {
		b.containers = append(b.containers, sub.container)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.watchdog.Add(sub.container)
		if b.reclaimer != nil {
			b.reclaimer.Watch(sub.topic, sub.group, sub.delay)
		}
	}
	b.watchdog.Start(bg)
	b.logger.Info(ctx, "eventbus started", "serviceId", b.cfg.ServiceID, "broker", string(b.cfg.BrokerType),
		"listeners", len(b.registry.Listeners()), "containers", len(subs))
	return nil
}

type subscription struct {
	container Lifecycle
	topic     string
	group     string
	delay     bool
}

// subscribeAll 为每个即时 topic 和每个服务的延时 topic 创建并注册容器。
// 出错时返回已注册的部分，由调用方回滚。
func (b *Bus) subscribeAll(ctx context.Context) ([]subscription, error) {
	var subs []subscription
	delayConcurrency := map[string]int{}
	for _, l := range b.registry.Listeners() {
		d := l.Descriptor()
		delayConcurrency[d.ServiceID] += d.RetryConcurrency
		if d.Type == MessageDelay {
			delayConcurrency[d.ServiceID] += d.Concurrency
			continue
		}
		for _, code := range d.Codes {
			sub, err := b.subscribe(ctx, b.timelyTopic(d.ServiceID, code), d.ServiceID, d.Concurrency, false)
			if err != nil {
				return subs, err
			}
			subs = append(subs, sub)
		}
	}
	for _, sid := range b.registry.ServiceIDs() {
		sub, err := b.subscribe(ctx, b.delayTopic(sid), sid, delayConcurrency[sid], true)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (b *Bus) subscribe(ctx context.Context, topic, group string, concurrency int, delay bool) (subscription, error) {
	if concurrency < b.cfg.ConsumerConcurrency {
		concurrency = b.cfg.ConsumerConcurrency
	}
	c, err := b.broker.Subscribe(topic, group, concurrency, b.handleRecord)
	if err != nil {
		return subscription{}, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if err := c.Register(ctx); err != nil {
		return subscription{}, fmt.Errorf("register container %s: %w", topic, err)
	}
	return subscription{container: c, topic: topic, group: group, delay: delay}, nil
}

// rollbackStart 销毁本次 Start 已注册的容器，允许修复后重新 Start。
func (b *Bus) rollbackStart(ctx context.Context, subs []subscription) {
	for _, sub := range subs {
		if err := sub.container.Destroy(ctx); err != nil {
			b.logger.Error(ctx, "destroy container on failed start", "topic", sub.topic, "error", err.Error())
		}
	}
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
}

// handleRecord 容器回调：解码信封后交给调度器。无法解析或找不到监听器的记录直接确认并记录日志。
func (b *Bus) handleRecord(ctx context.Context, payload []byte) AckAction {
	env, err := decodeEnvelope(payload)
	if err != nil {
		b.logger.Error(ctx, "drop undecodable record", "error", err.Error())
		return Ack
	}
	if err := b.dispatcher.Deliver(ctx, env); err != nil {
		if errors.Is(err, ErrListenerNotFound) {
			b.logger.Error(ctx, "drop record without listener", "requestId", env.RequestID, "error", err.Error())
			return Ack
		}
		return Nack
	}
	return Ack
}

// SendOption 调整单条消息的发送参数。
type SendOption func(*sendOptions)

type sendOptions struct {
	serviceID string
	requestID string
	headers   map[string]string
}

// WithServiceID 投递到指定服务，默认 Config.ServiceID。
func WithServiceID(id string) SendOption { return func(o *sendOptions) { o.serviceID = id } }

// WithRequestID 指定 requestId，默认生成 UUID。
func WithRequestID(id string) SendOption { return func(o *sendOptions) { o.requestID = id } }

// WithHeaders 附加消息头。
func WithHeaders(h map[string]string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		for k, v := range h {
			o.headers[k] = v
		}
	}
}

func (b *Bus) outgoing(code string, typ MessageType, body []byte, opts []SendOption) (*Envelope, error) {
	o := sendOptions{serviceID: b.cfg.ServiceID}
	for _, opt := range opts {
		opt(&o)
	}
	if code == "" {
		return nil, fmt.Errorf("send: empty code")
	}
	env := newEnvelope(o.serviceID, code, typ, body)
	if o.requestID != "" {
		env.RequestID = o.requestID
	}
	for k, v := range o.headers {
		env.Headers[k] = v
	}
	return env, nil
}

func (b *Bus) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Send 发送即时消息，返回 requestId。
func (b *Bus) Send(ctx context.Context, code string, body []byte, opts ...SendOption) (string, error) {
	if err := b.usable(); err != nil {
		return "", err
	}
	env, err := b.outgoing(code, MessageTimely, body, opts)
	if err != nil {
		return "", err
	}
	payload, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	if err := b.broker.Publish(ctx, b.timelyTopic(env.ServiceID, code), payload); err != nil {
		return "", fmt.Errorf("send %s: %w", code, err)
	}
	return env.RequestID, nil
}

// SendDelayed 发送延时消息，delay 后投递给 serviceId+code 对应的监听器。
func (b *Bus) SendDelayed(ctx context.Context, code string, body []byte, delay time.Duration, opts ...SendOption) (string, error) {
	if err := b.usable(); err != nil {
		return "", err
	}
	env, err := b.outgoing(code, MessageDelay, body, opts)
	if err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	env.DelayTime = int64(delay / time.Second)
	payload, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	if err := b.broker.PublishDelayed(ctx, b.delayTopic(env.ServiceID), payload, delay); err != nil {
		return "", fmt.Errorf("send delayed %s: %w", code, err)
	}
	return env.RequestID, nil
}

// redeliver 重试、轮询与 ToDelay 统一走信封所属服务的延时通道。
func (b *Bus) redeliver(ctx context.Context, env *Envelope, delay time.Duration) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.broker.PublishDelayed(ctx, b.delayTopic(env.ServiceID), payload, delay)
}

// Close 优雅关闭：停止看门狗与回收，销毁容器，等待在途投递，最后关闭 broker，遵循 ctx 超时。
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	containers := append([]Lifecycle(nil), b.containers...)
	b.mu.Unlock()

	var errs []error
	if err := b.watchdog.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if b.reclaimer != nil {
		if err := b.reclaimer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range containers {
		if err := c.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.broker.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
