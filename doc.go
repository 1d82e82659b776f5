// Package eventbus 提供可嵌入的事件总线运行时：至少一次投递、失败自动重试与退避表达式、
// 通用延时投递（延时索引原子搬入消费组日志）、超时未确认记录回收、按监听器分组限流的并发池，
// 以及监督中间件连通性并驱动监听容器注册/销毁的连接看门狗。
//
// 中间件适配器可插拔：Redis（Streams + ZSET）、RabbitMQ（x-delayed-message 或阿里云 delay 头）、内存实现。
package eventbus
