package eventbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ListenerFunc 监听器回调。inv 为本次调用的显式上下文，回调可通过它停止轮询或覆盖下次间隔。
type ListenerFunc func(ctx context.Context, env *Envelope, inv *Invocation) error

// FailFunc 重试预算耗尽后的终态失败回调。
type FailFunc func(ctx context.Context, env *Envelope, err error)

// FailConfig 监听器级失败配置；非 nil 时 RetryCount 原样生效（0 表示不重试），
// NextInterval 为空则沿用全局 fail.nextIntervalSeconds。
type FailConfig struct {
	RetryCount int
	// NextInterval 退避表达式，可用 $count/$deliverCount/$intervalTime，单位秒
	NextInterval string
}

// PollingConfig 轮询配置：成功后按 Interval 再次调用，共 Count 轮。
type PollingConfig struct {
	Count    int
	Interval string
}

// ToDelayConfig 即时消息到达后先转为延时消息，延迟 Delay 后再调用监听器。
type ToDelayConfig struct {
	Delay time.Duration
}

// ListenerDescriptor 由调用方显式构造并注册，注册后不可变。
type ListenerDescriptor struct {
	ServiceID string
	// Name 可选，参与 deliverId 计算；为空时使用 Codes 拼接
	Name             string
	Codes            []string
	Concurrency      int
	RetryConcurrency int
	Type             MessageType
	OnMessage        ListenerFunc
	OnFail           FailFunc
	Fail             *FailConfig
	Polling          *PollingConfig
	ToDelay          *ToDelayConfig
}

// Listener 为注册后的只读监听器。
type Listener struct {
	desc      ListenerDescriptor
	deliverID string
}

func (l *Listener) DeliverID() string              { return l.deliverID }
func (l *Listener) Descriptor() ListenerDescriptor { return l.desc }
func (l *Listener) ServiceID() string              { return l.desc.ServiceID }
func (l *Listener) Type() MessageType              { return l.desc.Type }
func (l *Listener) Codes() []string                { return append([]string(nil), l.desc.Codes...) }
func (l *Listener) retryGroup() string             { return l.deliverID + ":retry" }
func (l *Listener) hasPolling() bool               { return l.desc.Polling != nil && l.desc.Polling.Count > 0 }

// Invocation 每次调用独立的上下文值，由调度器在回调返回后检查。
type Invocation struct {
	stopPolling bool
	nextDelay   time.Duration
	hasNext     bool
}

// StopPolling 提前结束轮询，下一轮不再调度。
func (i *Invocation) StopPolling() { i.stopPolling = true }

// SetNextDelay 覆盖下一次重试或轮询的间隔。
func (i *Invocation) SetNextDelay(d time.Duration) {
	i.nextDelay = d
	i.hasNext = true
}

// Destination 信封投递目标：InlineCallback 或 RoutedByCode。
type Destination interface{ isDestination() }

// InlineCallback 按 deliverId 直接定位监听器。
type InlineCallback struct{ DeliverID string }

// RoutedByCode 按 serviceId+code 定位监听器（未指定 deliverId 的延时消息）。
type RoutedByCode struct{ ServiceID, Code string }

func (InlineCallback) isDestination() {}
func (RoutedByCode) isDestination()   {}

func destinationOf(env *Envelope) Destination {
	if env.DeliverID != "" {
		return InlineCallback{DeliverID: env.DeliverID}
	}
	return RoutedByCode{ServiceID: env.ServiceID, Code: env.Code}
}

// Registry 监听器注册表。启动时构造并注册，Freeze 后只读，按引用传给依赖方。
type Registry struct {
	mu          sync.RWMutex
	frozen      bool
	byKey       map[string]*Listener
	byDeliverID map[string]*Listener
	order       []*Listener
}

func NewRegistry() *Registry {
	return &Registry{byKey: map[string]*Listener{}, byDeliverID: map[string]*Listener{}}
}

func listenerKey(serviceID, code string) string { return serviceID + "|" + code }

func deliverIDOf(d ListenerDescriptor) string {
	name := d.Name
	if name == "" {
		codes := append([]string(nil), d.Codes...)
		sort.Strings(codes)
		name = strings.Join(codes, ",")
	}
	return d.ServiceID + ":" + name
}

// Register 校验并登记监听器；重复 serviceId+code 或重复 deliverId 返回 ErrDuplicateListener。
func (r *Registry) Register(d ListenerDescriptor) (*Listener, error) {
	if err := normalizeDescriptor(&d); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, ErrRegistryFrozen
	}
	id := deliverIDOf(d)
	if _, ok := r.byDeliverID[id]; ok {
		return nil, fmt.Errorf("%w: deliverId %s", ErrDuplicateListener, id)
	}
	for _, code := range d.Codes {
		if _, ok := r.byKey[listenerKey(d.ServiceID, code)]; ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateListener, d.ServiceID, code)
		}
	}
	l := &Listener{desc: d, deliverID: id}
	for _, code := range d.Codes {
		r.byKey[listenerKey(d.ServiceID, code)] = l
	}
	r.byDeliverID[id] = l
	r.order = append(r.order, l)
	return l, nil
}

func normalizeDescriptor(d *ListenerDescriptor) error {
	if d.ServiceID == "" {
		return fmt.Errorf("%w: serviceId empty", ErrInvalidListener)
	}
	if len(d.Codes) == 0 {
		return fmt.Errorf("%w: no codes for %s", ErrInvalidListener, d.ServiceID)
	}
	seen := make(map[string]struct{}, len(d.Codes))
	for _, c := range d.Codes {
		if c == "" {
			return fmt.Errorf("%w: empty code for %s", ErrInvalidListener, d.ServiceID)
		}
		if _, ok := seen[c]; ok {
			return fmt.Errorf("%w: code %s repeated", ErrDuplicateListener, c)
		}
		seen[c] = struct{}{}
	}
	d.Codes = append([]string(nil), d.Codes...)
	if d.OnMessage == nil {
		return fmt.Errorf("%w: nil OnMessage for %s", ErrInvalidListener, d.ServiceID)
	}
	if d.Type == "" {
		d.Type = MessageTimely
	}
	if d.Type != MessageTimely && d.Type != MessageDelay {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidListener, d.Type)
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.RetryConcurrency <= 0 {
		d.RetryConcurrency = d.Concurrency
	}
	if d.Fail != nil {
		f := *d.Fail
		if f.RetryCount < 0 {
			f.RetryCount = 0
		}
		if f.NextInterval != "" {
			if err := ValidateBackoff(f.NextInterval); err != nil {
				return err
			}
		}
		d.Fail = &f
	}
	if d.Polling != nil {
		p := *d.Polling
		if p.Count <= 0 {
			return fmt.Errorf("%w: polling count must be positive", ErrInvalidListener)
		}
		if p.Interval == "" {
			return fmt.Errorf("%w: polling interval empty", ErrInvalidExpression)
		}
		if err := ValidateBackoff(p.Interval); err != nil {
			return err
		}
		d.Polling = &p
	}
	if d.ToDelay != nil {
		td := *d.ToDelay
		if td.Delay <= 0 {
			return fmt.Errorf("%w: toDelay delay must be positive", ErrInvalidListener)
		}
		d.ToDelay = &td
	}
	return nil
}

// Freeze 之后注册表只读。
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(serviceID, code string) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byKey[listenerKey(serviceID, code)]
	return l, ok
}

func (r *Registry) ByDeliverID(id string) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byDeliverID[id]
	return l, ok
}

// Resolve 按投递目标定位监听器。
func (r *Registry) Resolve(dst Destination) (*Listener, error) {
	switch d := dst.(type) {
	case InlineCallback:
		if l, ok := r.ByDeliverID(d.DeliverID); ok {
			return l, nil
		}
		return nil, fmt.Errorf("%w: deliverId %s", ErrListenerNotFound, d.DeliverID)
	case RoutedByCode:
		if l, ok := r.Lookup(d.ServiceID, d.Code); ok {
			return l, nil
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrListenerNotFound, d.ServiceID, d.Code)
	}
	return nil, fmt.Errorf("%w: unknown destination %T", ErrListenerNotFound, dst)
}

// Listeners 按注册顺序返回全部监听器。
func (r *Registry) Listeners() []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Listener(nil), r.order...)
}

// ServiceIDs 返回已注册监听器涉及的 serviceId（去重、按注册顺序）。
func (r *Registry) ServiceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	seen := map[string]struct{}{}
	for _, l := range r.order {
		if _, ok := seen[l.desc.ServiceID]; ok {
			continue
		}
		seen[l.desc.ServiceID] = struct{}{}
		out = append(out, l.desc.ServiceID)
	}
	return out
}
