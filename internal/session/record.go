package session

import (
	"context"
	"errors"
	"time"

	"AIAssistGateway/internal/auth"
)

// Status 会话状态
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// IsValid 检查状态是否有效
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusClosing, StatusClosed:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound 会话不存在：已过期或被其他端撤销
	ErrNotFound = errors.New("session not found")
	// ErrStoreUnavailable 会话存储不可达（重试耗尽后上报）
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrNotOwner 恢复会话时user_id与记录不符
	ErrNotOwner = errors.New("session owned by another user")
)

// Record 会话记录，存储中的权威副本
// UserID和Role在会话生命周期内不可变，仅在重新建立会话时重新校验
type Record struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Role       auth.Role `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Status     Status    `json:"status"`
}

// Store 会话存储接口
// 实现必须支持并发访问；所有操作按session_id单键读写，无跨键事务
type Store interface {
	// Get 读取会话记录，不存在返回ErrNotFound
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Set 写入会话记录并设置过期时间
	Set(ctx context.Context, rec *Record, ttl time.Duration) error
	// Delete 删除会话记录，记录不存在时也返回成功
	Delete(ctx context.Context, sessionID string) error
}
