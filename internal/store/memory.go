package store

import (
	"context"
	"sync"
	"time"

	"AIAssistGateway/internal/session"
)

// MemoryStore 进程内会话存储，供测试和demo模式使用
// 与Redis实现遵守相同的过期语义
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
}

type memoryEntry struct {
	rec       session.Record
	expiresAt time.Time
}

// NewMemoryStore 创建内存会话存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryEntry),
	}
}

// Get 读取会话记录，惰性淘汰过期项
func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.records[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.records, sessionID)
		return nil, session.ErrNotFound
	}

	rec := entry.rec
	return &rec, nil
}

// Set 写入会话记录
func (m *MemoryStore) Set(ctx context.Context, rec *session.Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.SessionID] = memoryEntry{
		rec:       *rec,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete 删除会话记录
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, sessionID)
	return nil
}

// Len 当前记录数量
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
