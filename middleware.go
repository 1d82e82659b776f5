package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
)

// ListenerMiddleware 包装监听器回调，按注册顺序由外向内执行。
type ListenerMiddleware func(next ListenerFunc) ListenerFunc

// SuccessHook 监听器调用成功后触发。
type SuccessHook func(ctx context.Context, env *Envelope)

// ErrorHook 全局终态失败钩子，在监听器自身 OnFail 之后触发。
type ErrorHook func(ctx context.Context, env *Envelope, err error)

func chainMiddleware(fn ListenerFunc, mws []ListenerMiddleware) ListenerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return fn
}

// RecoverMiddleware 将监听器 panic 转为错误，按普通失败进入重试。
func RecoverMiddleware() ListenerMiddleware {
	return func(next ListenerFunc) ListenerFunc {
		return func(ctx context.Context, env *Envelope, inv *Invocation) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("listener panic: %v\n%s", r, debug.Stack())
				}
			}()
			return next(ctx, env, inv)
		}
	}
}
