package eventbus

import (
	"context"
	"time"
)

// promoter 把到期的延时条目搬入消费组日志。
//
// 每轮先尝试非阻塞的自动过期锁，拿不到就跳过本轮；拿到后执行一次原子搬运，
// 下次唤醒时间取下一条到期时间，但不超过 maxInterval，以限制时钟漂移下的最坏延迟。
type promoter struct {
	store       Store
	key         string
	topic       string
	lockKey     string
	maxInterval time.Duration
	batch       int
	lockTTL     time.Duration
	logger      Logger
	metrics     *metrics
	now         func() time.Time

	nudge chan time.Time
}

func newPromoter(store Store, key, topic string, cfg DelayConfig, logger Logger, m *metrics) *promoter {
	return &promoter{
		store:       store,
		key:         key,
		topic:       topic,
		lockKey:     key + ":lock",
		maxInterval: cfg.MaxPollInterval,
		batch:       cfg.BatchSize,
		lockTTL:     cfg.LockTTL,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		nudge:       make(chan time.Time, 1),
	}
}

// notify 有新的延时条目写入；若比当前计划唤醒更早则提前唤醒。
func (p *promoter) notify(due time.Time) {
	select {
	case p.nudge <- due:
	default:
		// 已有待处理的唤醒，用较早者替换
		select {
		case old := <-p.nudge:
			if old.Before(due) {
				due = old
			}
		default:
		}
		select {
		case p.nudge <- due:
		default:
		}
	}
}

func (p *promoter) run(ctx context.Context) {
	wakeAt := p.now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	reset := func(at time.Time) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		wakeAt = at
		d := at.Sub(p.now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			reset(p.tick(ctx))
		case due := <-p.nudge:
			if due.Before(wakeAt) {
				reset(due)
			}
		}
	}
}

// tick 执行一轮搬运，返回下次唤醒时间。
func (p *promoter) tick(ctx context.Context) time.Time {
	now := p.now()
	fallback := now.Add(p.maxInterval)

	release, ok, err := p.store.TryLock(ctx, p.lockKey, p.lockTTL)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error(ctx, "delay promote lock failed", "key", p.key, "error", err.Error())
		}
		return fallback
	}
	if !ok {
		return fallback
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	res, err := p.store.Promote(ctx, p.key, p.topic, now, p.batch)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error(ctx, "delay promote failed", "key", p.key, "topic", p.topic, "error", err.Error())
		}
		return fallback
	}
	if res.Promoted > 0 {
		p.metrics.promoted(ctx, p.topic, res.Promoted)
	}
	// 一批搬满说明可能还有到期条目，立即再来一轮
	if res.Promoted >= p.batch {
		return now
	}
	if res.HasNext && res.NextDue.Before(fallback) {
		return res.NextDue
	}
	return fallback
}
