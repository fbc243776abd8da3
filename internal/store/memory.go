package store

import (
	"context"
	"sync"
	"time"

	"ssechat/internal/model"
)

// Memory keeps the last limit messages in process memory.
type Memory struct {
	mu    sync.RWMutex
	limit int
	items []entry
	next  uint64
}

type entry struct {
	id  uint64
	msg model.Message
}

// NewMemory creates a history of at most limit messages. A non-positive
// limit keeps everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit, next: 1}
}

func (m *Memory) Append(_ context.Context, content string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	msg := model.Message{
		ID:        formatID(id),
		Content:   content,
		CreatedAt: time.Now(),
	}
	m.items = append(m.items, entry{id: id, msg: msg})
	if m.limit > 0 && len(m.items) > m.limit {
		// 古いものから捨てる
		m.items = append(m.items[:0:0], m.items[len(m.items)-m.limit:]...)
	}
	return msg, nil
}

func (m *Memory) Since(_ context.Context, lastID string, limit int) ([]model.Message, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(after, limit), nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(0, limit), nil
}

func (m *Memory) collect(after uint64, limit int) []model.Message {
	out := make([]model.Message, 0)
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.items[i].id <= after || (limit > 0 && len(out) == limit) {
			break
		}
		out = append(out, m.items[i].msg)
	}
	reverse(out)
	return out
}

func (m *Memory) Close() error {
	return nil
}
