package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool 按组限流的工作协程池。
//
// 每个组在首次使用时以给定并发度创建许可计数，之后不再调整。Execute 在拿到组许可后，
// 把任务交给空闲 worker，没有空闲则在 MaxSize 以内新建。worker 执行完任务释放组许可并回到空闲集合，
// 非核心 worker 空闲超过 KeepAlive 后自行退出，核心 worker 常驻到 Close。
//
// 结构性状态（idle/busy/core 计数）由 mu 保护；各组许可计数各自加锁，
// 一个组的争用不会阻塞其他组，释放许可只唤醒同组的等待者。
type Pool struct {
	cfg    PoolConfig
	logger Logger

	mu         sync.Mutex
	idle       []*worker
	busy       map[*worker]struct{}
	total      int
	core       int
	workerFree chan struct{}
	closed     bool

	groupsMu sync.Mutex
	groups   map[string]*workGroup

	done chan struct{}
	wg   sync.WaitGroup
}

type workGroup struct {
	name  string
	limit int

	mu      sync.Mutex
	permits int
	running int
	wake    chan struct{}
}

type worker struct {
	core  bool
	tasks chan poolTask
}

type poolTask struct {
	group *workGroup
	fn    func()
}

// PoolStats 池的瞬时快照。
type PoolStats struct {
	Workers int
	Idle    int
	Busy    int
	Core    int
}

func NewPool(cfg PoolConfig, logger Logger) *Pool {
	if cfg.CoreSize <= 0 {
		cfg.CoreSize = defaultPoolCoreSize
	}
	if cfg.MaxSize < cfg.CoreSize {
		cfg.MaxSize = cfg.CoreSize
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultPoolKeepAlive
	}
	if cfg.PermitWait <= 0 {
		cfg.PermitWait = defaultPoolPermitWait
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Pool{
		cfg:        cfg,
		logger:     logger,
		busy:       map[*worker]struct{}{},
		workerFree: make(chan struct{}),
		groups:     map[string]*workGroup{},
		done:       make(chan struct{}),
	}
}

// Execute 在 group 许可内异步执行 fn。阻塞直到拿到许可并分配到 worker，或 ctx 取消、池关闭。
// concurrency 仅在组首次出现时生效。
func (p *Pool) Execute(ctx context.Context, group string, concurrency int, fn func()) error {
	if fn == nil {
		return fmt.Errorf("pool execute %s: nil task", group)
	}
	g := p.group(group, concurrency)
	if err := p.acquire(ctx, g); err != nil {
		return err
	}
	if err := p.assign(ctx, poolTask{group: g, fn: fn}); err != nil {
		g.release()
		return err
	}
	return nil
}

// Acquire 只获取组许可、不分配 worker，供调用方在当前协程内同步执行；用完必须调用 release。
func (p *Pool) Acquire(ctx context.Context, group string, concurrency int) (release func(), err error) {
	g := p.group(group, concurrency)
	if err := p.acquire(ctx, g); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(g.release) }, nil
}

func (p *Pool) group(name string, concurrency int) *workGroup {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()
	if g, ok := p.groups[name]; ok {
		return g
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	g := &workGroup{name: name, limit: concurrency, permits: concurrency, wake: make(chan struct{})}
	p.groups[name] = g
	return g
}

// acquire 等待组许可：被同组释放唤醒，或按 PermitWait 周期醒来重试，不忙等。
func (p *Pool) acquire(ctx context.Context, g *workGroup) error {
	for {
		g.mu.Lock()
		if g.permits > 0 {
			g.permits--
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		t := time.NewTimer(p.cfg.PermitWait)
		select {
		case <-wake:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-p.done:
			t.Stop()
			return ErrPoolClosed
		}
		t.Stop()
	}
}

func (g *workGroup) release() {
	g.mu.Lock()
	g.permits++
	close(g.wake)
	g.wake = make(chan struct{})
	g.mu.Unlock()
}

// assign 把任务交给空闲 worker，没有则新建；达到 MaxSize 时等待有 worker 空闲。
// 任务在持有 mu 时放入 worker 缓冲，因此先于 Close 关闭 done，worker 退出前必定执行它。
func (p *Pool) assign(ctx context.Context, t poolTask) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.busy[w] = struct{}{}
			w.tasks <- t
			p.mu.Unlock()
			return nil
		}
		if p.total < p.cfg.MaxSize {
			w := &worker{core: p.core < p.cfg.CoreSize, tasks: make(chan poolTask, 1)}
			if w.core {
				p.core++
			}
			p.total++
			p.busy[w] = struct{}{}
			w.tasks <- t
			p.wg.Add(1)
			go p.run(w)
			p.mu.Unlock()
			return nil
		}
		free := p.workerFree
		p.mu.Unlock()

		timer := time.NewTimer(p.cfg.PermitWait)
		select {
		case <-free:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.done:
			timer.Stop()
			return ErrPoolClosed
		}
		timer.Stop()
	}
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case t := <-w.tasks:
			p.runTask(w, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			if p.retire(w) {
				return
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-p.done:
			// 已分配的任务仍然执行完，保证许可被释放
			select {
			case t := <-w.tasks:
				p.runTask(w, t)
			default:
			}
			return
		}
	}
}

func (p *Pool) runTask(w *worker, t poolTask) {
	p.beforeExecute(t)
	defer p.afterExecute(w, t)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(context.Background(), "pool task panic", "group", t.group.name, "panic", fmt.Sprint(r))
		}
	}()
	t.fn()
}

func (p *Pool) beforeExecute(t poolTask) {
	t.group.mu.Lock()
	t.group.running++
	t.group.mu.Unlock()
}

// afterExecute 释放组许可并把 worker 放回空闲集合。
func (p *Pool) afterExecute(w *worker, t poolTask) {
	t.group.mu.Lock()
	t.group.running--
	t.group.mu.Unlock()
	t.group.release()
	p.mu.Lock()
	delete(p.busy, w)
	if !p.closed {
		p.idle = append(p.idle, w)
	}
	close(p.workerFree)
	p.workerFree = make(chan struct{})
	p.mu.Unlock()
}

// retire 非核心 worker 空闲超时退出；若此时已被分配任务则继续工作。
func (p *Pool) retire(w *worker) bool {
	if w.core {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.total--
			return true
		}
	}
	return false
}

// Stats 返回当前 worker 数量快照。
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Workers: p.total, Idle: len(p.idle), Busy: len(p.busy), Core: p.core}
}

// GroupStats 返回组的并发上限与正在执行的任务数；组不存在时 ok 为 false。
func (p *Pool) GroupStats(name string) (limit, running int, ok bool) {
	p.groupsMu.Lock()
	g, ok := p.groups[name]
	p.groupsMu.Unlock()
	if !ok {
		return 0, 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit, g.running, true
}

// Close 停止接收任务，等待在途任务完成，遵循 ctx 超时。
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.idle = nil
	p.mu.Unlock()
	close(p.done)

	finished := make(chan struct{})
	go func() { p.wg.Wait(); close(finished) }()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
