package eventbus

import "errors"

var (
	// 配置类错误：启动期即失败。
	ErrDuplicateListener = errors.New("eventbus: duplicate listener")
	ErrInvalidExpression = errors.New("eventbus: invalid expression")
	ErrInvalidListener   = errors.New("eventbus: invalid listener")
	ErrInvalidConfig     = errors.New("eventbus: invalid config")

	// 表达式求值。
	ErrDivisionByZero = errors.New("eventbus: division by zero")

	// 状态类错误。
	ErrRegistryFrozen   = errors.New("eventbus: listener registry frozen")
	ErrListenerNotFound = errors.New("eventbus: listener not found")
	ErrPoolClosed       = errors.New("eventbus: pool closed")
	ErrBusClosed        = errors.New("eventbus: bus closed")

	// ErrDuplicateDelivery 幂等中间件判定本次投递已处理过；调度器直接确认，不触发成功钩子与轮询。
	ErrDuplicateDelivery = errors.New("eventbus: duplicate delivery")

	// 基础设施错误：只由连接看门狗处理，不做消息级重试。
	ErrBrokerUnavailable = errors.New("eventbus: broker unavailable")
)

// IsConfigurationError 判断错误是否属于配置类错误（重复注册、非法表达式等）。
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrDuplicateListener) ||
		errors.Is(err, ErrInvalidExpression) ||
		errors.Is(err, ErrInvalidListener) ||
		errors.Is(err, ErrInvalidConfig)
}
