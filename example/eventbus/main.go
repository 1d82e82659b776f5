package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	eventbus "github.com/northseadl/eventbus"
)

func main() {
	ctx := context.Background()

	cfg := eventbus.Config{ServiceID: "demo", Fail: eventbus.FailDefaults{RetryCount: 2, NextIntervalSeconds: 1}}
	if addr := os.Getenv("EB_REDIS_ADDR"); addr != "" {
		cfg.BrokerType = eventbus.BrokerRedis
		cfg.Redis.Addr = addr
		fmt.Println("[Bus] 使用 Redis:", addr)
	} else if uri := os.Getenv("EB_RABBITMQ_URI"); uri != "" {
		cfg.BrokerType = eventbus.BrokerRabbitMQ
		cfg.RabbitMQ.URI = uri
		cfg.RabbitMQ.Exchange = os.Getenv("EB_RABBITMQ_EXCHANGE")
		cfg.RabbitMQ.DelayedExchange = os.Getenv("EB_RABBITMQ_DELAYED_EXCHANGE")
		fmt.Println("[Bus] 使用 RabbitMQ:", uri)
	} else {
		fmt.Println("[Bus] 未配置中间件，使用内存实现")
	}

	bus, err := eventbus.New(ctx, cfg, eventbus.WithErrorHook(func(_ context.Context, e *eventbus.Envelope, err error) {
		fmt.Printf("[Bus] 终态失败: code=%s deliverCount=%d err=%v\n", e.Code, e.DeliverCount, err)
	}))
	if err != nil {
		panic(err)
	}
	defer func() { _ = bus.Close(ctx) }()

	must(bus.Register(eventbus.ListenerDescriptor{
		ServiceID: "demo",
		Codes:     []string{"greeting"},
		OnMessage: func(_ context.Context, e *eventbus.Envelope, _ *eventbus.Invocation) error {
			fmt.Printf("[Bus] 收到: code=%s body=%s\n", e.Code, string(e.Body))
			return nil
		},
	}))
	must(bus.Register(eventbus.ListenerDescriptor{
		ServiceID: "demo",
		Codes:     []string{"flaky"},
		OnMessage: func(_ context.Context, e *eventbus.Envelope, _ *eventbus.Invocation) error {
			fmt.Printf("[Bus] flaky 第 %d 次投递\n", e.DeliverCount)
			return errors.New("not yet")
		},
	}))
	must(bus.Start(ctx))

	_, _ = bus.Send(ctx, "greeting", []byte("hello"))
	_, _ = bus.SendDelayed(ctx, "greeting", []byte("hello later"), 2*time.Second)
	_, _ = bus.Send(ctx, "flaky", nil)
	fmt.Println("[Bus] 已发布事件，等待 5s...")
	time.Sleep(5 * time.Second)
	fmt.Println("[Bus] 结束")
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
