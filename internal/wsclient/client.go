package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"AIAssistGateway/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ResponseHandler AI响应处理器
type ResponseHandler func(resp *protocol.AIResponse)

// ErrorHandler 错误消息处理器
type ErrorHandler func(errMsg *protocol.ErrorMessage)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, token string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		Token:             token,
		HandshakeTimeout:  10 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		UserAgent:         "AIAssistGateway-client/1.0",
	}
}

// Client 网关WebSocket客户端，支持自动重连和会话恢复
// 重连时携带上一次的session_id，由服务端执行抢占式恢复
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 消息处理
	onResponse    ResponseHandler
	onError       ErrorHandler
	onStateChange StateChangeHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	// 会话状态
	sessionMu sync.RWMutex
	sessionID string

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32
}

// New 创建网关客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}

	client.setState(StateDisconnected)
	return client
}

// SetResponseHandler 设置AI响应处理器
func (c *Client) SetResponseHandler(handler ResponseHandler) {
	c.onResponse = handler
}

// SetErrorHandler 设置错误消息处理器
func (c *Client) SetErrorHandler(handler ErrorHandler) {
	c.onError = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 连接到网关并完成认证握手
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	go c.readLoop()
	go c.reconnectLoop()

	return nil
}

// doConnect 执行连接和start_connection握手
func (c *Client) doConnect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.doHandshake()
}

// doHandshake 发送start_connection并等待connected
// 已持有session_id时携带它执行会话恢复
func (c *Client) doHandshake() error {
	start := protocol.NewStartConnection(c.config.Token, c.SessionID())

	if err := c.sendMessage(start); err != nil {
		return fmt.Errorf("send start_connection failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake response failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode handshake response failed: %w", err)
	}

	switch m := msg.(type) {
	case *protocol.Connected:
		c.setSessionID(m.SessionID)
		log.Printf("Session established: session_id=%s", m.SessionID)
		return nil
	case *protocol.ErrorMessage:
		return fmt.Errorf("handshake rejected: code=%s message=%s", m.Code, m.Message)
	default:
		return fmt.Errorf("unexpected handshake response: %T", msg)
	}
}

// SendRequest 发送AI请求，响应经ResponseHandler异步到达
func (c *Client) SendRequest(prompt, requestID string) error {
	if c.getState() != StateConnected {
		return errors.New("client is not connected")
	}

	return c.sendMessage(protocol.NewAIRequest(prompt, requestID))
}

// Disconnect 发送显式断开请求后关闭
func (c *Client) Disconnect() error {
	if c.getState() == StateConnected {
		if err := c.sendMessage(protocol.NewDisconnect(c.SessionID())); err != nil {
			log.Printf("Send disconnect failed: %v", err)
		}
	}
	return c.Close()
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// sendMessage 编码并发送消息
func (c *Client) sendMessage(msg interface{}) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
			switch c.getState() {
			case StateClosed, StateDisconnected:
				// 已关闭或重连放弃，循环到此为止
				return
			case StateConnecting, StateReconnecting:
				time.Sleep(100 * time.Millisecond)
				continue
			}

			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				c.triggerReconnect()
				continue
			}

			_, raw, err := conn.ReadMessage()
			if err != nil {
				if c.getState() == StateClosed {
					return
				}
				log.Printf("Read message failed: %v", err)
				c.triggerReconnect()
				continue
			}

			msg, err := protocol.Decode(raw)
			if err != nil {
				log.Printf("Decode message failed: %v", err)
				continue
			}

			c.handleMessage(msg)
		}
	}
}

// handleMessage 处理服务端下发的消息
func (c *Client) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case *protocol.AIResponse:
		if c.onResponse != nil {
			c.onResponse(m)
		}
	case *protocol.ErrorMessage:
		if c.onError != nil {
			c.onError(m)
		}
		// 致命错误码（抢占、强制登出等）不重连，直接关闭
		if protocol.IsFatalCode(m.Code) {
			log.Printf("Fatal error from server: code=%s message=%s", m.Code, m.Message)
			c.Close()
		}
	default:
		log.Printf("Unexpected message from server: %T", msg)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.getState() == StateConnected {
		c.setState(StateReconnecting)
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重连，恢复原会话
func (c *Client) doReconnect() {
	count := c.reconnectCount.Add(1)
	if count > int32(c.config.MaxReconnectTries) {
		log.Printf("Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)

	// 关闭旧连接
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	ctx := context.Background()
	err := backoff.Retry(func() error {
		return c.doConnect(ctx)
	}, backOff)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.setState(StateDisconnected)
	} else {
		log.Printf("Reconnected successfully")
		c.setState(StateConnected)
		c.reconnectCount.Store(0)
		c.reconnects.Add(1)
	}
}

// SessionID 当前会话标识
func (c *Client) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 当前状态（线程安全）
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连成功次数（线程安全）
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":           c.getState().String(),
		"session_id":      c.SessionID(),
		"reconnect_count": c.reconnectCount.Load(),
		"reconnects":      c.reconnects.Load(),
	}
}
