package eventbus

import (
	"context"
	"time"
)

// AckAction 记录处理结果：Ack 确认，Nack 交由中间件重新投递。
type AckAction int

const (
	Ack AckAction = iota
	Nack
)

// RecordHandler 处理一条原始记录并返回确认动作。
type RecordHandler func(ctx context.Context, payload []byte) AckAction

// Lifecycle 监听容器生命周期，由连接看门狗驱动。Register/Destroy 均需幂等。
type Lifecycle interface {
	Register(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Broker 可插拔的消息中间件适配器。
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishDelayed(ctx context.Context, topic string, payload []byte, delay time.Duration) error
	// Subscribe 创建监听容器，调用 Register 后才开始消费。
	Subscribe(topic, group string, concurrency int, handler RecordHandler) (Lifecycle, error)
	// TestConnect 探测中间件是否可用。
	TestConnect(ctx context.Context) bool
	Close(ctx context.Context) error
}
