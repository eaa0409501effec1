package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"AIAssistGateway/internal/session"
)

const keyPrefix = "session:"

// Config Redis连接配置
type Config struct {
	Addr     string
	Password string
	DB       int
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
	}
}

// RedisStore Redis会话存储，进程重启和水平扩展时会话记录由它保持
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 连接Redis并返回会话存储
func NewRedisStore(config *Config) (*RedisStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Println("✅ Redis会话存储连接成功")
	return &RedisStore{client: client}, nil
}

// Close 关闭连接
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping 测试存储连通性
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) key(sessionID string) string {
	return keyPrefix + sessionID
}

// Get 读取会话记录
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	val, err := r.client.Get(ctx, r.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec session.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record failed: %w", err)
	}

	return &rec, nil
}

// Set 写入会话记录并设置过期时间
func (r *RedisStore) Set(ctx context.Context, rec *session.Record, ttl time.Duration) error {
	if rec.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record failed: %w", err)
	}

	return r.client.Set(ctx, r.key(rec.SessionID), data, ttl).Err()
}

// Delete 删除会话记录，不存在时为空操作
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}
