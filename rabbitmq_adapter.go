package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// rabbitBroker 实现 Broker。即时消息发布到 topic 交换机，延时消息使用 x-delayed-message 插件（standard）
// 或阿里云 delay 头（aliyun）。每个 (topic, group) 对应一个持久队列，手动确认，Nack 重新入队，
// 因此不需要 Reclaimer。发布经过熔断器，连续失败时快速返回 ErrBrokerUnavailable。
type rabbitBroker struct {
	cfg     RabbitMQConfig
	mode    DelayMode
	pool    *Pool
	logger  Logger
	breaker *gobreaker.CircuitBreaker

	conn   *amqp.Connection
	connMu sync.Mutex
}

func newRabbitBroker(cfg RabbitMQConfig, pool *Pool, logger Logger) (*rabbitBroker, error) {
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: rabbitmq config invalid", ErrInvalidConfig)
	}
	mode := cfg.DelayMode
	if mode == "" {
		mode = DelayModeStandard
	}
	if mode == DelayModeStandard && cfg.DelayedExchange == "" {
		return nil, fmt.Errorf("%w: delayed exchange required in standard mode", ErrInvalidConfig)
	}
	r := &rabbitBroker{cfg: cfg, mode: mode, pool: pool, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eventbus-rabbitmq-publish",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info(context.Background(), "publish breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	if err := r.ensureConnection(); err != nil {
		return nil, err
	}
	if err := r.declareTopology(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rabbitBroker) ensureConnection() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	// amqp.Dial 自动支持 amqp:// 和 amqps://
	conn, err := amqp.Dial(r.cfg.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	r.conn = conn
	return nil
}

func (r *rabbitBroker) channel() (*amqp.Channel, error) {
	if err := r.ensureConnection(); err != nil {
		return nil, err
	}
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	return conn.Channel()
}

func (r *rabbitBroker) declareTopology() error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	r.logger.Info(context.Background(), "declare exchange", "exchange", r.cfg.Exchange)
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	// 延时交换机仅在 standard 模式下声明
	if r.mode == DelayModeStandard {
		args := amqp.Table{"x-delayed-type": "topic"}
		r.logger.Info(context.Background(), "declare delayed exchange", "exchange", r.cfg.DelayedExchange)
		if err := ch.ExchangeDeclare(r.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return err
		}
	}
	return nil
}

func (r *rabbitBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.publish(ctx, r.cfg.Exchange, topic, nil, payload)
}

func (r *rabbitBroker) PublishDelayed(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	exchange, headers := r.delayRoute(delay)
	return r.publish(ctx, exchange, topic, headers, payload)
}

// delayRoute 按延时模式返回目标交换机与消息头。
func (r *rabbitBroker) delayRoute(delay time.Duration) (string, amqp.Table) {
	if delay < 0 {
		delay = 0
	}
	ms := int64(delay / time.Millisecond)
	if r.mode == DelayModeAliyun {
		// 直接发布到普通交换机，使用 delay 字段
		return r.cfg.Exchange, amqp.Table{"delay": fmt.Sprintf("%d", ms)}
	}
	return r.cfg.DelayedExchange, amqp.Table{"x-delay": ms}
}

func (r *rabbitBroker) publish(ctx context.Context, exchange, topic string, headers amqp.Table, payload []byte) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.publishOnce(ctx, exchange, topic, headers, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return err
}

func (r *rabbitBroker) publishOnce(ctx context.Context, exchange, topic string, headers amqp.Table, payload []byte) error {
	ch, err := r.channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	defer ch.Close()

	// 监听 Channel 关闭和消息退回（用于检测阿里云 Serverless 的特殊错误）
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	rets := ch.NotifyReturn(make(chan amqp.Return, 1))

	err = ch.PublishWithContext(ctx, exchange, topic, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed (topic=%s): %w", topic, err)
	}

	// 检查是否有立即错误（Channel 关闭或消息无法路由）
	select {
	case ret := <-rets:
		return fmt.Errorf("message unroutable to topic %s: %s (code=%d)", topic, ret.ReplyText, ret.ReplyCode)
	case closeErr := <-closeChan:
		if closeErr == nil {
			return nil
		}
		return fmt.Errorf("channel closed immediately after publish: %w", closeErr)
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func (r *rabbitBroker) Subscribe(topic, group string, concurrency int, handler RecordHandler) (Lifecycle, error) {
	if topic == "" || group == "" || handler == nil {
		return nil, fmt.Errorf("subscribe: topic/group/handler required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	c := &rabbitContainer{r: r, topic: topic, group: group, concurrency: concurrency, handler: handler}
	c.open = func() (consumerChannel, error) {
		ch, err := r.channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return c, nil
}

// TestConnect 连接断开时尝试重连，重连成功视为可用。
func (r *rabbitBroker) TestConnect(ctx context.Context) bool {
	return r.ensureConnection() == nil
}

func (r *rabbitBroker) Close(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

// consumerChannel 是容器用到的 *amqp.Channel 方法子集。
type consumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

const (
	defaultReviveBackoff = time.Second
	maxReviveBackoff     = 30 * time.Second
)

// rabbitContainer 单个队列的监听容器：Register 声明并绑定队列后开始消费，Destroy 关闭 channel。
// channel 被服务器关闭时容器自行按退避重建，直到成功或被 Destroy。
type rabbitContainer struct {
	r           *rabbitBroker
	topic       string
	group       string
	concurrency int
	handler     RecordHandler
	open        func() (consumerChannel, error)
	// reviveBackoff 重建的初始间隔，默认 1s，逐次翻倍
	reviveBackoff time.Duration

	mu        sync.Mutex
	ch        consumerChannel
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
}

func (c *rabbitContainer) queueName() string {
	return fmt.Sprintf("%s-%s", sanitizeQueueName(c.topic), sanitizeQueueName(c.group))
}

func (c *rabbitContainer) poolGroup() string { return "container:" + c.queueName() }

func (c *rabbitContainer) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = false
	return c.registerLocked(ctx)
}

func (c *rabbitContainer) registerLocked(ctx context.Context) error {
	if c.ch != nil {
		return nil
	}
	ch, err := c.open()
	if err != nil {
		return err
	}
	prefetch := c.r.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = c.concurrency
	}
	_ = ch.Qos(prefetch, 0, false)
	q, err := ch.QueueDeclare(c.queueName(), true, false, false, false, amqp.Table{})
	if err != nil {
		ch.Close()
		return err
	}
	c.r.logger.Info(ctx, "queue bind", "queue", q.Name, "exchange", c.r.cfg.Exchange, "binding_key", c.topic)
	if err := ch.QueueBind(q.Name, c.topic, c.r.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return err
	}
	if c.r.mode == DelayModeStandard {
		c.r.logger.Info(ctx, "queue bind", "queue", q.Name, "exchange", c.r.cfg.DelayedExchange, "binding_key", c.topic)
		if err := ch.QueueBind(q.Name, c.topic, c.r.cfg.DelayedExchange, false, nil); err != nil {
			ch.Close()
			return err
		}
	}
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c.ch, c.cancel, c.done = ch, cancel, make(chan struct{})
	go c.loop(cctx, ch, closeChan, msgs, c.done)
	return nil
}

func (c *rabbitContainer) loop(ctx context.Context, ch consumerChannel, closeChan <-chan *amqp.Error, msgs <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-closeChan:
			// Channel 被服务器关闭（如阿里云 Serverless 的 406/504 错误）
			if err != nil {
				c.r.logger.Error(ctx, "rabbitmq channel closed by server", "queue", c.queueName(), "error", err.Error())
			}
			c.lost(ch)
			return
		case d, ok := <-msgs:
			if !ok {
				c.lost(ch)
				return
			}
			err := c.r.pool.Execute(ctx, c.poolGroup(), c.concurrency, func() {
				hctx := context.WithoutCancel(ctx)
				if c.handler(hctx, d.Body) == Ack {
					_ = d.Ack(false)
					return
				}
				_ = d.Nack(false, true)
			})
			if err != nil {
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

// lost 清理失效的 channel 并在后台重建；Destroy 之后或 channel 已被替换时什么都不做。
func (c *rabbitContainer) lost(ch consumerChannel) {
	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.ch, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	_ = ch.Close()
	go c.revive()
}

func (c *rabbitContainer) revive() {
	backoff := c.reviveBackoff
	if backoff <= 0 {
		backoff = defaultReviveBackoff
	}
	ctx := context.Background()
	for {
		c.mu.Lock()
		if c.destroyed || c.ch != nil {
			c.mu.Unlock()
			return
		}
		err := c.registerLocked(ctx)
		c.mu.Unlock()
		if err == nil {
			c.r.logger.Info(ctx, "rabbitmq consumer revived", "queue", c.queueName())
			return
		}
		c.r.logger.Error(ctx, "rabbitmq consumer revive failed", "queue", c.queueName(), "retry_in", backoff.String(), "error", err.Error())
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxReviveBackoff {
			backoff = maxReviveBackoff
		}
	}
}

func (c *rabbitContainer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	ch, cancel, done := c.ch, c.cancel, c.done
	c.ch, c.cancel, c.done = nil, nil, nil
	c.destroyed = true
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	cancel()
	// 关闭 channel 触发 msgs 退出，未确认消息由 broker 重新入队
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.r.logger.Error(ctx, "close channel failed", "queue", c.queueName(), "error", err.Error())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sanitizeQueueName(s string) string {
	// 去掉队列名中不合法的字符
	out := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '#', '/':
			return -1
		}
		return r
	}, s)
	if out == "" {
		return "q"
	}
	return out
}
