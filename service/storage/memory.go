package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"HProject/model"

	"github.com/pkg/errors"
)

// 内存版存储，单测注入用；接口语义和 redis 版一一对应。

// MemoryPresence 内存在线集合
type MemoryPresence struct {
	mu    sync.RWMutex
	users map[int64]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{users: make(map[int64]struct{})}
}

func (p *MemoryPresence) Online(_ context.Context, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[userID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Offline(_ context.Context, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, userID)
	return nil
}

func (p *MemoryPresence) IsOnline(_ context.Context, userID int64) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok, nil
}

func (p *MemoryPresence) Count(_ context.Context) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.users)), nil
}

func (p *MemoryPresence) OnlineIDs(_ context.Context) ([]int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int64, 0, len(p.users))
	for id := range p.users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (p *MemoryPresence) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = make(map[int64]struct{})
	return nil
}

// MemorySequence 内存计数器，SetIfAbsent/Incr 语义与 redis 相同
type MemorySequence struct {
	mu     sync.Mutex
	val    int64
	seeded bool

	// FailNext 为 true 时下一次 Incr 报错，模拟共享计数器不可用
	FailNext bool
}

func NewMemorySequence() *MemorySequence {
	return &MemorySequence{}
}

func (s *MemorySequence) SetIfAbsent(_ context.Context, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seeded {
		s.val = v
		s.seeded = true
	}
	return nil
}

func (s *MemorySequence) Incr(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return 0, errors.New("sequence store down")
	}
	s.seeded = true
	s.val++
	return s.val, nil
}

// MemoryQueue 内存待落库列表
type MemoryQueue struct {
	mu   sync.Mutex
	list []string
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, val string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list = append(q.list, val)
	return nil
}

func (q *MemoryQueue) Range(_ context.Context, n int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > int64(len(q.list)) {
		n = int64(len(q.list))
	}
	out := make([]string, n)
	copy(out, q.list[:n])
	return out, nil
}

func (q *MemoryQueue) AckRange(_ context.Context, head string, n int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.list) == 0 || q.list[0] != head {
		return nil
	}
	if n > int64(len(q.list)) {
		n = int64(len(q.list))
	}
	q.list = q.list[n:]
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.list)), nil
}

// MemoryHistory 内存最近消息缓存（无 TTL，测试不需要）
type MemoryHistory struct {
	mu     sync.Mutex
	size   int
	groups map[int64][]string // newest-first
}

func NewMemoryHistory(size int) *MemoryHistory {
	if size <= 0 {
		size = 50
	}
	return &MemoryHistory{size: size, groups: make(map[int64][]string)}
}

func (h *MemoryHistory) Append(_ context.Context, msg *model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append([]string{string(raw)}, h.groups[msg.GroupID]...)
	if len(list) > h.size {
		list = list[:h.size]
	}
	h.groups[msg.GroupID] = list
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, groupID int64, limit int) ([]*model.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.groups[groupID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*model.Message, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		msg := &model.Message{}
		if err := json.Unmarshal([]byte(list[i]), msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (h *MemoryHistory) Drop(_ context.Context, groupID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups, groupID)
	return nil
}

// MemoryMessageStore 内存消息表，带可注入故障开关
type MemoryMessageStore struct {
	mu   sync.Mutex
	rows map[int64]*model.Message

	// FailNext 为 true 时下一次 InsertBatch 失败（整批不落），模拟库抖动
	FailNext bool
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{rows: make(map[int64]*model.Message)}
}

func (s *MemoryMessageStore) InsertBatch(_ context.Context, msgs []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return errors.New("message store down")
	}
	for _, m := range msgs {
		if _, dup := s.rows[m.ID]; dup {
			continue // upsert-ignore
		}
		cp := *m
		s.rows[m.ID] = &cp
	}
	return nil
}

func (s *MemoryMessageStore) MaxMessageID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for id := range s.rows {
		if id > max {
			max = id
		}
	}
	return max, nil
}

// Rows 升序返回全部行，断言用
func (s *MemoryMessageStore) Rows() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, 0, len(s.rows))
	for _, m := range s.rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
