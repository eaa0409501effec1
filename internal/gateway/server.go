package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"AIAssistGateway/internal/auth"
	"AIAssistGateway/internal/dispatch"
	"AIAssistGateway/internal/session"
)

// TokenVerifier 凭证校验接口
type TokenVerifier interface {
	Verify(credential string) (*auth.Claims, error)
}

// ServerConfig 实时网关配置
type ServerConfig struct {
	HandshakeTimeout time.Duration // Pending状态等待start_connection的窗口
	IdleTimeout      time.Duration // Active状态无入站消息的自关闭窗口
	WriteTimeout     time.Duration
	StoreTimeout     time.Duration // 单次会话存储操作超时
	MaxConnections   int
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		StoreTimeout:     5 * time.Second,
		MaxConnections:   1000,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// Server 实时网关：接受WebSocket连接，每连接一个处理器goroutine
type Server struct {
	config     *ServerConfig
	upgrader   websocket.Upgrader
	verifier   TokenVerifier
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher

	// 连接管理
	connections sync.Map // map[string]*Handler
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	accepting atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	startTime        time.Time
}

// NewServer 创建实时网关
func NewServer(config *ServerConfig, verifier TokenVerifier, sessions *session.Manager, dispatcher *dispatch.Dispatcher) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	s := &Server{
		config:     config,
		verifier:   verifier,
		sessions:   sessions,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 跨域由外层CORS中间件控制
			},
		},
		startTime: time.Now(),
	}
	s.accepting.Store(true)

	return s
}

// HandleWebSocket 升级HTTP请求并驱动连接生命周期，挂载到路由的/ws
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	handler := newHandler(connID, conn, s)

	s.connections.Store(connID, handler)
	s.connCount.Add(1)
	s.connWg.Add(1)

	log.Printf("New connection: %s from %s", connID, r.RemoteAddr)

	defer s.connWg.Done()
	handler.run()
}

// Shutdown 优雅关闭：停止接受新连接，关闭全部处理器并等待退出
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.accepting.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down gateway...")

	s.connections.Range(func(key, value interface{}) bool {
		handler := value.(*Handler)
		handler.teardown("server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unregister 处理器Closed时回调
func (s *Server) unregister(h *Handler) {
	if _, loaded := s.connections.LoadAndDelete(h.ID); loaded {
		s.connCount.Add(-1)
	}
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// Stats 网关统计信息
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"accepting":           s.accepting.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"live_sessions":       s.sessions.OwnerCount(),
	}
}
