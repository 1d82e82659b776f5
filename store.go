package eventbus

import (
	"context"
	"time"
)

// Record 消费组日志中的一条记录，ID 在 topic 内单调递增。
type Record struct {
	ID      string
	Payload []byte
}

// PendingEntry 已被领取但未确认的记录。
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// ConsumerGroupLog 追加写日志 + 消费组领取/确认/回收语义，至少一次投递。
type ConsumerGroupLog interface {
	Append(ctx context.Context, topic string, payload []byte) (string, error)
	// CreateGroup 幂等：组已存在时不报错。
	CreateGroup(ctx context.Context, topic, group string) error
	// Claim 返回至多 count 条尚未被本组领取的新记录，并记入 consumer 的 pending；
	// 无新记录时最多阻塞 block。
	Claim(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Record, error)
	Ack(ctx context.Context, topic, group string, ids ...string) error
	PendingSummary(ctx context.Context, topic, group string) (map[string]int64, error)
	// StaleEntries 返回 consumer 名下空闲超过 idle 的 pending 记录。
	StaleEntries(ctx context.Context, topic, group, consumer string, idle time.Duration, max int) ([]PendingEntry, error)
	// Fetch 按 id 读取原始记录；记录已被裁剪时 ok 为 false。
	Fetch(ctx context.Context, topic, id string) (rec Record, ok bool, err error)
}

// PromoteResult 一次搬运的结果。HasNext 为 false 表示延时索引已空。
type PromoteResult struct {
	Promoted int
	NextDue  time.Time
	HasNext  bool
}

// DelayIndex 按到期时间排序的延时索引。
type DelayIndex interface {
	AddDelayed(ctx context.Context, key string, due time.Time, payload []byte) error
	// Promote 原子地取出至多 limit 条到期条目，从索引删除并追加到 topic，返回下一条的到期时间。
	Promote(ctx context.Context, key, topic string, now time.Time, limit int) (PromoteResult, error)
}

// Locker 非阻塞、自动过期的互斥锁。拿不到锁时 ok 为 false。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Store 聚合日志、延时索引与锁，由 logBroker 使用。
type Store interface {
	ConsumerGroupLog
	DelayIndex
	Locker
	Ping(ctx context.Context) error
	Close() error
}
