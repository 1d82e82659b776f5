package eventbus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// memoryStore 进程内 Store 实现，所有操作在同一把锁下完成，Promote 天然原子。
type memoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	streams   map[string]*memStream
	delays    map[string]*btree.BTreeG[delayItem]
	locks     map[string]memLock
	seq       uint64
	notify    chan struct{}
	available bool
	closed    bool
}

// memStream 的位置均为绝对位置：records[0] 对应位置 base，之前的记录已被裁剪。
type memStream struct {
	lastID  uint64
	base    int
	records []Record
	index   map[string]int
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int
	pending map[string]*memPending
}

// trimBatch 可裁剪的前缀达到该数量才整体搬移，避免每次确认都复制切片。
const trimBatch = 256

func (st *memStream) end() int { return st.base + len(st.records) }

func (st *memStream) at(pos int) Record { return st.records[pos-st.base] }

// trim 丢弃所有消费组都已读取且不在待确认列表中的前缀记录。没有消费组时全部保留。
func (st *memStream) trim() {
	if len(st.groups) == 0 {
		return
	}
	low := st.end()
	for _, g := range st.groups {
		if g.next < low {
			low = g.next
		}
		for id := range g.pending {
			if pos, ok := st.index[id]; ok && pos < low {
				low = pos
			}
		}
	}
	n := low - st.base
	if n <= 0 || (n < trimBatch && n < len(st.records)) {
		return
	}
	for _, r := range st.records[:n] {
		delete(st.index, r.ID)
	}
	st.records = append([]Record(nil), st.records[n:]...)
	st.base = low
}

type memPending struct {
	consumer   string
	claimedAt  time.Time
	deliveries int64
}

type delayItem struct {
	due     int64
	seq     uint64
	payload []byte
}

type memLock struct {
	token   string
	expires time.Time
}

func delayLess(a, b delayItem) bool {
	if a.due != b.due {
		return a.due < b.due
	}
	return a.seq < b.seq
}

// NewMemoryStore 创建进程内 Store，适用于单实例与测试。
func NewMemoryStore() Store { return newMemoryStore(time.Now) }

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		now:       now,
		streams:   map[string]*memStream{},
		delays:    map[string]*btree.BTreeG[delayItem]{},
		locks:     map[string]memLock{},
		notify:    make(chan struct{}),
		available: true,
	}
}

// setAvailable 模拟中间件断连，供看门狗测试使用。
func (s *memoryStore) setAvailable(ok bool) {
	s.mu.Lock()
	s.available = ok
	s.mu.Unlock()
}

func (s *memoryStore) stream(topic string) *memStream {
	st, ok := s.streams[topic]
	if !ok {
		st = &memStream{index: map[string]int{}, groups: map[string]*memGroup{}}
		s.streams[topic] = st
	}
	return st
}

func (s *memoryStore) appendLocked(topic string, payload []byte) string {
	st := s.stream(topic)
	st.lastID++
	id := strconv.FormatUint(st.lastID, 10) + "-0"
	st.index[id] = st.end()
	st.records = append(st.records, Record{ID: id, Payload: append([]byte(nil), payload...)})
	close(s.notify)
	s.notify = make(chan struct{})
	return id
}

func (s *memoryStore) Append(ctx context.Context, topic string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return "", err
	}
	return s.appendLocked(topic, payload), nil
}

func (s *memoryStore) usableLocked() error {
	if s.closed {
		return ErrBusClosed
	}
	if !s.available {
		return ErrBrokerUnavailable
	}
	return nil
}

func (s *memoryStore) CreateGroup(ctx context.Context, topic, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	st := s.stream(topic)
	if _, ok := st.groups[group]; !ok {
		st.groups[group] = &memGroup{next: st.base, pending: map[string]*memPending{}}
	}
	return nil
}

func (s *memoryStore) Claim(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Record, error) {
	if count <= 0 {
		count = 1
	}
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}
	for {
		s.mu.Lock()
		if err := s.usableLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		st := s.stream(topic)
		g, ok := st.groups[group]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("claim %s/%s: no such group", topic, group)
		}
		if g.next < st.end() {
			end := g.next + count
			if end > st.end() {
				end = st.end()
			}
			out := make([]Record, 0, end-g.next)
			now := s.now()
			for pos := g.next; pos < end; pos++ {
				r := st.at(pos)
				g.pending[r.ID] = &memPending{consumer: consumer, claimedAt: now, deliveries: 1}
				out = append(out, Record{ID: r.ID, Payload: append([]byte(nil), r.Payload...)})
			}
			g.next = end
			s.mu.Unlock()
			return out, nil
		}
		wait := s.notify
		s.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}
		select {
		case <-wait:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memoryStore) group(topic, group string) (*memGroup, error) {
	st, ok := s.streams[topic]
	if !ok {
		return nil, fmt.Errorf("%s/%s: no such group", topic, group)
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, fmt.Errorf("%s/%s: no such group", topic, group)
	}
	return g, nil
}

func (s *memoryStore) Ack(ctx context.Context, topic, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	g, err := s.group(topic, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	s.streams[topic].trim()
	return nil
}

func (s *memoryStore) PendingSummary(ctx context.Context, topic, group string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	g, err := s.group(topic, group)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, p := range g.pending {
		out[p.consumer]++
	}
	return out, nil
}

func (s *memoryStore) StaleEntries(ctx context.Context, topic, group, consumer string, idle time.Duration, max int) ([]PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	g, err := s.group(topic, group)
	if err != nil {
		return nil, err
	}
	st := s.streams[topic]
	now := s.now()
	var out []PendingEntry
	for id, p := range g.pending {
		if consumer != "" && p.consumer != consumer {
			continue
		}
		if d := now.Sub(p.claimedAt); d >= idle {
			out = append(out, PendingEntry{ID: id, Consumer: p.consumer, Idle: d, Deliveries: p.deliveries})
		}
	}
	// 与日志顺序一致
	sort.Slice(out, func(i, j int) bool { return st.index[out[i].ID] < st.index[out[j].ID] })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *memoryStore) Fetch(ctx context.Context, topic, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return Record{}, false, err
	}
	st, ok := s.streams[topic]
	if !ok {
		return Record{}, false, nil
	}
	i, ok := st.index[id]
	if !ok {
		return Record{}, false, nil
	}
	r := st.at(i)
	return Record{ID: r.ID, Payload: append([]byte(nil), r.Payload...)}, true, nil
}

func (s *memoryStore) AddDelayed(ctx context.Context, key string, due time.Time, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	tree, ok := s.delays[key]
	if !ok {
		tree = btree.NewG[delayItem](16, delayLess)
		s.delays[key] = tree
	}
	s.seq++
	tree.ReplaceOrInsert(delayItem{due: due.UnixMilli(), seq: s.seq, payload: append([]byte(nil), payload...)})
	return nil
}

func (s *memoryStore) Promote(ctx context.Context, key, topic string, now time.Time, limit int) (PromoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res PromoteResult
	if err := s.usableLocked(); err != nil {
		return res, err
	}
	tree, ok := s.delays[key]
	if !ok {
		return res, nil
	}
	nowMs := now.UnixMilli()
	for res.Promoted < limit {
		it, ok := tree.Min()
		if !ok || it.due > nowMs {
			break
		}
		tree.DeleteMin()
		s.appendLocked(topic, it.payload)
		res.Promoted++
	}
	if it, ok := tree.Min(); ok {
		res.HasNext = true
		res.NextDue = time.UnixMilli(it.due)
	}
	return res, nil
}

// streamLen 返回 topic 当前保留的记录数，测试使用。
func (s *memoryStore) streamLen(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[topic]; ok {
		return len(st.records)
	}
	return 0
}

// delayLen 返回延时索引中的条目数，测试使用。
func (s *memoryStore) delayLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tree, ok := s.delays[key]; ok {
		return tree.Len()
	}
	return 0
}

func (s *memoryStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, false, err
	}
	now := s.now()
	if l, ok := s.locks[key]; ok && now.Before(l.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	s.locks[key] = memLock{token: token, expires: now.Add(ttl)}
	release := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l, ok := s.locks[key]; ok && l.token == token {
			delete(s.locks, key)
		}
		return nil
	}
	return release, true, nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notify)
		s.notify = make(chan struct{})
	}
	return nil
}
