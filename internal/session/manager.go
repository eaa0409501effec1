package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"AIAssistGateway/internal/auth"
)

// Owner 会话的当前持有者（通常是一个连接处理器）
// Displace在会话被新连接抢占时调用，实现方应下发SESSION_DISPLACED后关闭
type Owner interface {
	Displace()
}

// ManagerConfig 会话管理器配置
type ManagerConfig struct {
	TTL             time.Duration // 会话存储过期时间
	TouchRetryInit  time.Duration // 存储瞬时故障重试初始间隔
	TouchRetryLimit time.Duration // 重试总时长上限，超过即视为存储不可用
}

// DefaultManagerConfig 返回默认配置
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		TTL:             time.Hour,
		TouchRetryInit:  100 * time.Millisecond,
		TouchRetryLimit: 3 * time.Second,
	}
}

// Manager 会话管理器
// 负责会话记录的创建、刷新和撤销，并维护session_id到存活处理器的绑定。
// 单持有者约束通过抢占策略（后写者胜）在本层保证，是尽力而为语义：
// 极端竞态窗口内可能有两个处理器短暂同时认为自己持有会话，可接受。
type Manager struct {
	store  Store
	config *ManagerConfig

	// 存活持有者注册表 map[string]Owner
	owners sync.Map

	mu sync.Mutex // 串行化同一session_id上的抢占
}

// NewManager 创建会话管理器
func NewManager(store Store, config *ManagerConfig) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	return &Manager{
		store:  store,
		config: config,
	}
}

// Create 创建新会话：生成128位随机标识，写入Active记录并绑定持有者
func (m *Manager) Create(ctx context.Context, userID string, role auth.Role, owner Owner) (*Record, error) {
	now := time.Now()
	rec := &Record{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		Role:       role,
		CreatedAt:  now,
		LastSeenAt: now,
		Status:     StatusActive,
	}

	if err := m.writeRecord(ctx, rec); err != nil {
		return nil, err
	}

	if owner != nil {
		m.owners.Store(rec.SessionID, owner)
	}

	return rec, nil
}

// Resume 恢复已有会话并转移持有权（抢占策略：后写者胜）
// 先校验记录归属，校验通过才通知旧持有者Displace：
// 携带他人session_id的恢复请求返回ErrNotOwner，不得波及合法持有者的连接；
// 记录已过期则降级为新建会话
func (m *Manager) Resume(ctx context.Context, sessionID, userID string, role auth.Role, owner Owner) (*Record, error) {
	rec, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		// 记录已过期：降级为新建，请求的标识不复用
		return m.Create(ctx, userID, role, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if rec.UserID != userID {
		return nil, ErrNotOwner
	}

	rec.Role = role
	rec.LastSeenAt = time.Now()
	rec.Status = StatusActive
	if err := m.writeRecord(ctx, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev, hadOwner := m.owners.Load(sessionID)
	m.owners.Store(sessionID, owner)
	m.mu.Unlock()

	if hadOwner && prev != Owner(owner) {
		log.Printf("Session %s displaced by new connection for user %s", sessionID, userID)
		prev.(Owner).Displace()
	}

	return rec, nil
}

// Touch 刷新last_seen_at并延长存储过期时间，每条入站消息调用一次
// 返回ErrNotFound表示会话已过期或被撤销，调用方必须视为强制登出；
// 存储瞬时故障按指数退避重试，耗尽后返回ErrStoreUnavailable
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	op := func() error {
		rec, err := m.store.Get(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}

		rec.LastSeenAt = time.Now()
		if err := m.store.Set(ctx, rec, m.config.TTL); err != nil {
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.config.TouchRetryInit
	bo.MaxElapsedTime = m.config.TouchRetryLimit

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Revoke 幂等删除会话记录，记录已不存在时也返回成功
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	m.owners.Delete(sessionID)

	err := m.store.Delete(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("revoke session %s failed: %w", sessionID, err)
	}
	return nil
}

// RevokeOwned 仅当调用方仍是会话持有者时撤销记录
// 被抢占的处理器在teardown时调用为无害空操作，不会误删新持有者的记录
func (m *Manager) RevokeOwned(ctx context.Context, sessionID string, owner Owner) error {
	if !m.owners.CompareAndDelete(sessionID, owner) {
		// 持有权已转移，记录归新连接所有
		return nil
	}

	err := m.store.Delete(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("revoke session %s failed: %w", sessionID, err)
	}
	return nil
}

// Lookup 读取会话记录
func (m *Manager) Lookup(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// OwnerCount 当前绑定的存活持有者数量
func (m *Manager) OwnerCount() int {
	count := 0
	m.owners.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// writeRecord 写入记录并包装存储错误
func (m *Manager) writeRecord(ctx context.Context, rec *Record) error {
	if err := m.store.Set(ctx, rec, m.config.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
