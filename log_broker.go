package eventbus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// logBroker 基于 Store（消费组日志 + 延时索引 + 锁）实现 Broker，Redis 与内存共用。
// 延时消息写入 topic 对应的延时索引，由本地 promoter 搬入 topic。
type logBroker struct {
	store    Store
	pool     *Pool
	cfg      Config
	logger   Logger
	metrics  *metrics
	consumer string

	mu        sync.Mutex
	promoters map[string]*promoter
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newLogBroker(store Store, pool *Pool, cfg Config, logger Logger, m *metrics) *logBroker {
	ctx, cancel := context.WithCancel(context.Background())
	host, _ := os.Hostname()
	return &logBroker{
		store:     store,
		pool:      pool,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		consumer:  fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		promoters: map[string]*promoter{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

func delayKeyOf(topic string) string { return topic + ":delayed" }

func (b *logBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.store.Append(ctx, topic, payload)
	return err
}

func (b *logBroker) PublishDelayed(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := time.Now().Add(delay)
	if err := b.store.AddDelayed(ctx, delayKeyOf(topic), due, payload); err != nil {
		return err
	}
	b.mu.Lock()
	p := b.promoters[topic]
	b.mu.Unlock()
	if p != nil {
		p.notify(due)
	}
	return nil
}

// ensurePromoter 为 topic 启动延时搬运循环（每个 topic 一个）。
func (b *logBroker) ensurePromoter(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.promoters[topic]; ok {
		return
	}
	p := newPromoter(b.store, delayKeyOf(topic), topic, b.cfg.Delay, b.logger, b.metrics)
	b.promoters[topic] = p
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.run(b.ctx)
	}()
}

func (b *logBroker) Subscribe(topic, group string, concurrency int, handler RecordHandler) (Lifecycle, error) {
	if topic == "" || group == "" || handler == nil {
		return nil, fmt.Errorf("subscribe: topic/group/handler required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	b.ensurePromoter(topic)
	return &logContainer{b: b, topic: topic, group: group, concurrency: concurrency, handler: handler}, nil
}

func (b *logBroker) TestConnect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return b.store.Ping(ctx) == nil
}

func (b *logBroker) Close(ctx context.Context) error {
	b.cancel()
	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return b.store.Close()
}

// logContainer 单个 topic/group 的监听容器：循环领取记录，交给池内 worker 处理后确认。
// Nack 的记录保留在 pending 中，由 Reclaimer 超时回收。
type logContainer struct {
	b           *logBroker
	topic       string
	group       string
	concurrency int
	handler     RecordHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *logContainer) poolGroup() string { return "container:" + c.topic + "/" + c.group }

func (c *logContainer) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	if err := c.b.store.CreateGroup(ctx, c.topic, c.group); err != nil {
		return err
	}
	cctx, cancel := context.WithCancel(c.b.ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(cctx, c.done)
	c.b.logger.Info(ctx, "container registered", "topic", c.topic, "group", c.group, "concurrency", c.concurrency)
	return nil
}

func (c *logContainer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	c.b.logger.Info(ctx, "container destroyed", "topic", c.topic, "group", c.group)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *logContainer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	block := c.b.cfg.Redis.Block
	for {
		if ctx.Err() != nil {
			return
		}
		recs, err := c.b.store.Claim(ctx, c.topic, c.group, c.b.consumer, c.concurrency, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.b.logger.Error(ctx, "claim failed", "topic", c.topic, "group", c.group, "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, rec := range recs {
			rec := rec
			// 拿不到许可（容器停止）时记录留在 pending，等待回收
			if err := c.b.pool.Execute(ctx, c.poolGroup(), c.concurrency, func() { c.handle(ctx, rec) }); err != nil {
				return
			}
		}
	}
}

func (c *logContainer) handle(ctx context.Context, rec Record) {
	// 容器停止不打断在途处理
	hctx := context.WithoutCancel(ctx)
	if c.handler(hctx, rec.Payload) != Ack {
		return
	}
	if err := c.b.store.Ack(hctx, c.topic, c.group, rec.ID); err != nil {
		c.b.logger.Error(hctx, "ack failed", "topic", c.topic, "group", c.group, "id", rec.ID, "error", err.Error())
	}
}
