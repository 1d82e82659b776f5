package eventbus

import (
	"context"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// reclaimDelay 延时类 topic 回收时重新写入延时索引的最小延迟。
const reclaimDelay = time.Second

type reclaimTarget struct {
	topic string
	group string
	delay bool
}

// Reclaimer 定期扫描消费组中超时未确认的记录并重新发布，然后确认原记录，避免重复回收。
//
// 由 cron 调度（默认每分钟第 17 秒），以全局自动过期锁保证通常只有一个实例执行。
// 回收属于传输层重投，不增加 deliverCount。
type Reclaimer struct {
	store   Store
	broker  Broker
	cfg     ReclaimConfig
	lockKey string
	logger  Logger
	metrics *metrics

	mu      sync.Mutex
	targets []reclaimTarget
	cron    *cronv3.Cron
}

func newReclaimer(store Store, broker Broker, cfg ReclaimConfig, lockKey string, logger Logger, m *metrics) *Reclaimer {
	return &Reclaimer{store: store, broker: broker, cfg: cfg, lockKey: lockKey, logger: logger, metrics: m}
}

// Watch 登记需要回收的 topic/group；delay 为 true 时经延时索引重投。
func (r *Reclaimer) Watch(topic, group string, delay bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.topic == topic && t.group == group {
			return
		}
	}
	r.targets = append(r.targets, reclaimTarget{topic: topic, group: group, delay: delay})
}

func (r *Reclaimer) Start(ctx context.Context) error {
	c := cronv3.New(cronv3.WithSeconds())
	if _, err := c.AddFunc(r.cfg.Spec, func() { r.ReclaimOnce(context.WithoutCancel(ctx)) }); err != nil {
		return err
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	return nil
}

// Stop 停止调度并等待正在执行的回收结束，遵循 ctx 超时。
func (r *Reclaimer) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReclaimOnce 执行一轮回收，返回重新发布的记录数。
func (r *Reclaimer) ReclaimOnce(ctx context.Context) int {
	release, ok, err := r.store.TryLock(ctx, r.lockKey, r.cfg.LockTTL)
	if err != nil {
		r.logger.Error(ctx, "reclaim lock failed", "error", err.Error())
		return 0
	}
	if !ok {
		return 0
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	r.mu.Lock()
	targets := append([]reclaimTarget(nil), r.targets...)
	r.mu.Unlock()

	total := 0
	for _, t := range targets {
		total += r.reclaimTarget(ctx, t)
	}
	return total
}

func (r *Reclaimer) reclaimTarget(ctx context.Context, t reclaimTarget) int {
	summary, err := r.store.PendingSummary(ctx, t.topic, t.group)
	if err != nil {
		r.logger.Error(ctx, "pending summary failed", "topic", t.topic, "group", t.group, "error", err.Error())
		return 0
	}
	n := 0
	for consumer, count := range summary {
		if count <= 0 {
			continue
		}
		stale, err := r.store.StaleEntries(ctx, t.topic, t.group, consumer, r.cfg.DeliverTimeout, r.cfg.BatchSize)
		if err != nil {
			r.logger.Error(ctx, "stale entries failed", "topic", t.topic, "group", t.group, "consumer", consumer, "error", err.Error())
			continue
		}
		for _, e := range stale {
			if r.reclaimEntry(ctx, t, e) {
				n++
			}
		}
	}
	if n > 0 {
		r.metrics.reclaimed(ctx, t.topic, n)
		r.logger.Info(ctx, "reclaimed stale entries", "topic", t.topic, "group", t.group, "count", n)
	}
	return n
}

func (r *Reclaimer) reclaimEntry(ctx context.Context, t reclaimTarget, e PendingEntry) bool {
	rec, ok, err := r.store.Fetch(ctx, t.topic, e.ID)
	if err != nil {
		r.logger.Error(ctx, "fetch stale entry failed", "topic", t.topic, "id", e.ID, "error", err.Error())
		return false
	}
	if !ok {
		// 原记录已被裁剪，无法重投，只能确认掉
		r.logger.Error(ctx, "stale entry payload missing", "topic", t.topic, "id", e.ID)
		_ = r.store.Ack(ctx, t.topic, t.group, e.ID)
		return false
	}
	if t.delay {
		err = r.broker.PublishDelayed(ctx, t.topic, rec.Payload, reclaimDelay)
	} else {
		err = r.broker.Publish(ctx, t.topic, rec.Payload)
	}
	if err != nil {
		r.logger.Error(ctx, "republish stale entry failed", "topic", t.topic, "id", e.ID, "error", err.Error())
		return false
	}
	if err := r.store.Ack(ctx, t.topic, t.group, e.ID); err != nil {
		r.logger.Error(ctx, "ack stale entry failed", "topic", t.topic, "id", e.ID, "error", err.Error())
	}
	return true
}
