package eventbus

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// Logger 为最小日志接口，应用可注入自定义实现。
type Logger interface {
	Info(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
}

// hclogLogger 默认实现，基于 hclog 输出结构化 kv 日志。
type hclogLogger struct{ l hclog.Logger }

func newDefaultLogger(level string) Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclogLogger{l: hclog.New(&hclog.LoggerOptions{Name: "eventbus", Level: lvl})}
}

// NewHclogLogger 将已有 hclog.Logger 适配为 Logger。
func NewHclogLogger(l hclog.Logger) Logger { return hclogLogger{l: l} }

func (h hclogLogger) Info(ctx context.Context, msg string, kv ...interface{}) { h.l.Info(msg, kv...) }
func (h hclogLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	h.l.Error(msg, kv...)
}

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, ...interface{})  {}
func (nopLogger) Error(context.Context, string, ...interface{}) {}
