package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"AIAssistGateway/internal/dispatch"
	"AIAssistGateway/internal/protocol"
	"AIAssistGateway/internal/session"
)

// HandlerState 连接处理器状态
type HandlerState int32

const (
	StatePending HandlerState = iota // 已连接，尚未认证
	StateActive                      // 凭证已验证，会话存活
	StateClosing                     // 任一方发起关闭
	StateClosed                      // 终态，资源已释放
)

func (s HandlerState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var errHandlerClosing = errors.New("handler is closing")

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
}

// Handler 持有一条物理连接，驱动每连接状态机
// 状态机：Pending → Active → Closing → Closed
// 保证：每个连接生命周期内恰好执行一次会话撤销，无论从哪条路径退出
type Handler struct {
	ID    string
	Stats *ConnectionStats

	conn       *websocket.Conn
	config     *ServerConfig
	verifier   TokenVerifier
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher

	state atomic.Int32

	// 会话记录的本地缓存副本，权威副本在存储中
	recordMu sync.RWMutex
	record   *session.Record

	writeMu   sync.Mutex // 专用于WebSocket写入同步
	closeOnce sync.Once

	onClose func(*Handler)
}

func newHandler(id string, conn *websocket.Conn, srv *Server) *Handler {
	h := &Handler{
		ID:         id,
		Stats:      &ConnectionStats{ConnectedAt: time.Now()},
		conn:       conn,
		config:     srv.config,
		verifier:   srv.verifier,
		sessions:   srv.sessions,
		dispatcher: srv.dispatcher,
		onClose:    srv.unregister,
	}
	h.Stats.LastActivity.Store(time.Now().UnixNano())
	h.setState(StatePending)
	return h
}

// run 驱动连接的完整生命周期，在调用goroutine中阻塞直到Closed
func (h *Handler) run() {
	defer h.teardown("connection ended")

	h.conn.SetReadLimit(protocol.MaxMessageSize)

	if !h.handshake() {
		return
	}

	h.readLoop()
}

// handshake 认证阶段：首条消息必须是有效的start_connection
func (h *Handler) handshake() bool {
	h.conn.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout))

	_, raw, err := h.conn.ReadMessage()
	if err != nil {
		log.Printf("[%s] Read first message failed: %v", h.ID, err)
		return false
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[%s] Decode first message failed: %v", h.ID, err)
		h.sendError(protocol.CodeProtocolViolation, "expected start_connection")
		return false
	}

	start, ok := msg.(*protocol.StartConnection)
	if !ok {
		log.Printf("[%s] Protocol violation: first message must authenticate", h.ID)
		h.sendError(protocol.CodeProtocolViolation, "expected start_connection")
		return false
	}

	claims, err := h.verifier.Verify(start.Token)
	if err != nil {
		h.sendError(protocol.CodeInvalidCredential, "authentication failed")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.StoreTimeout)
	defer cancel()

	var rec *session.Record
	if start.SessionID != "" {
		rec, err = h.sessions.Resume(ctx, start.SessionID, claims.UserID, claims.Role, h)
	} else {
		rec, err = h.sessions.Create(ctx, claims.UserID, claims.Role, h)
	}

	switch {
	case errors.Is(err, session.ErrNotOwner):
		log.Printf("[%s] Resume rejected: session %s owned by another user", h.ID, start.SessionID)
		h.sendError(protocol.CodeProtocolViolation, "session does not belong to caller")
		return false
	case errors.Is(err, session.ErrStoreUnavailable):
		log.Printf("[%s] Session store unavailable during handshake: %v", h.ID, err)
		h.sendError(protocol.CodeStoreUnavailable, "session store unavailable")
		return false
	case err != nil:
		log.Printf("[%s] Create session failed: %v", h.ID, err)
		h.sendError(protocol.CodeStoreUnavailable, "session store unavailable")
		return false
	}

	h.setRecord(rec)
	h.setState(StateActive)

	if err := h.send(protocol.NewConnected(rec.SessionID)); err != nil {
		return false
	}

	log.Printf("[%s] Session established: session=%s user=%s role=%s",
		h.ID, rec.SessionID, rec.UserID, rec.Role)
	return true
}

// readLoop 消息读取循环
// 入站消息按到达顺序驱动状态机；读超时即空闲过期，按异常断连处理
func (h *Handler) readLoop() {
	for {
		h.conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))

		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			if h.getState() >= StateClosing {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[%s] Transport failure: %v", h.ID, err)
			} else {
				log.Printf("[%s] Connection read ended: %v", h.ID, err)
			}
			return
		}

		h.Stats.MessagesReceived.Add(1)
		h.Stats.LastActivity.Store(time.Now().UnixNano())

		// Closing后到达的消息直接忽略，容忍客户端在途发送
		if h.getState() != StateActive {
			continue
		}

		if !h.touch() {
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("[%s] Decode message failed: %v", h.ID, err)
			h.sendError(protocol.CodeProtocolViolation, "malformed message")
			return
		}

		if !h.handleMessage(msg) {
			return
		}
	}
}

// handleMessage 处理Active状态下的单条消息，返回false时连接关闭
func (h *Handler) handleMessage(msg interface{}) bool {
	switch m := msg.(type) {
	case *protocol.AIRequest:
		return h.handleAIRequest(m)
	case *protocol.Disconnect:
		return h.handleDisconnect(m)
	default:
		log.Printf("[%s] Protocol violation: out-of-state message %T", h.ID, msg)
		h.sendError(protocol.CodeProtocolViolation, "unexpected message")
		return false
	}
}

// handleAIRequest 异步分发AI请求
// 同一连接允许多个在途请求，互不阻塞，响应按request_id关联
func (h *Handler) handleAIRequest(req *protocol.AIRequest) bool {
	if req.RequestID == "" {
		log.Printf("[%s] Protocol violation: ai_request without request_id", h.ID)
		h.sendError(protocol.CodeProtocolViolation, "missing request_id")
		return false
	}

	rec := h.getRecord()
	h.dispatcher.Dispatch(context.Background(), rec.UserID, req.RequestID, req.Prompt,
		func(res dispatch.Result) {
			// 连接已进入Closing时send直接丢弃迟到结果
			if res.Err != nil {
				h.send(protocol.NewRequestError(
					protocol.CodeBackendFailure, "completion backend failed", res.RequestID))
				return
			}
			h.send(protocol.NewAIResponse(res.RequestID, res.Output))
		})
	return true
}

// handleDisconnect 显式优雅断开，不再下发任何响应
func (h *Handler) handleDisconnect(msg *protocol.Disconnect) bool {
	rec := h.getRecord()
	if msg.SessionID != rec.SessionID {
		log.Printf("[%s] Ignoring disconnect for foreign session %s", h.ID, msg.SessionID)
		return true
	}

	log.Printf("[%s] Client disconnect: session=%s", h.ID, rec.SessionID)
	return false
}

// touch 刷新会话，每条入站消息调用一次
// 会话已不存在意味着强制登出而非瞬时错误
func (h *Handler) touch() bool {
	rec := h.getRecord()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.StoreTimeout)
	defer cancel()

	err := h.sessions.Touch(ctx, rec.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		log.Printf("[%s] Session %s expired or revoked, forcing logout", h.ID, rec.SessionID)
		h.sendError(protocol.CodeSessionNotFound, "session expired, re-authenticate")
		return false
	case err != nil:
		// Touch内部已按退避重试，到这里视为持久性存储故障
		log.Printf("[%s] Session store unavailable: %v", h.ID, err)
		h.sendError(protocol.CodeStoreUnavailable, "session store unavailable")
		return false
	}
	return true
}

// Displace 会话被新连接抢占时由会话管理器调用
// 先下发SESSION_DISPLACED再切断；撤销对新持有者的记录是空操作
func (h *Handler) Displace() {
	log.Printf("[%s] Displaced by new connection", h.ID)
	h.sendError(protocol.CodeSessionDisplaced, "session claimed by another connection")
	h.teardown("displaced")
}

// teardown 进入Closing→Closed，幂等
// 每条退出路径都经过这里，会话撤销恰好执行一次；
// 撤销是允许完成的在途存储写入，不随连接关闭被取消
func (h *Handler) teardown(reason string) {
	h.closeOnce.Do(func() {
		h.setState(StateClosing)

		if rec := h.getRecord(); rec != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.config.StoreTimeout)
			defer cancel()
			if err := h.sessions.RevokeOwned(ctx, rec.SessionID, h); err != nil {
				log.Printf("[%s] Revoke session %s failed: %v", h.ID, rec.SessionID, err)
			}
		}

		h.writeMu.Lock()
		h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		h.writeMu.Unlock()
		h.conn.Close()

		h.setState(StateClosed)
		log.Printf("[%s] Connection closed: %s", h.ID, reason)

		if h.onClose != nil {
			h.onClose(h)
		}
	})
}

// send 编码并写入一条消息，Closing及之后丢弃
func (h *Handler) send(msg interface{}) error {
	if h.getState() >= StateClosing {
		return errHandlerClosing
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	h.Stats.MessagesSent.Add(1)
	return nil
}

// sendError 下发错误消息，写入失败仅记录日志
func (h *Handler) sendError(code, message string) {
	if err := h.send(protocol.NewError(code, message)); err != nil && !errors.Is(err, errHandlerClosing) {
		log.Printf("[%s] Send error message failed: %v", h.ID, err)
	}
}

// State 当前状态
func (h *Handler) State() HandlerState {
	return h.getState()
}

// SessionID 当前会话标识，未认证时为空
func (h *Handler) SessionID() string {
	if rec := h.getRecord(); rec != nil {
		return rec.SessionID
	}
	return ""
}

func (h *Handler) getState() HandlerState {
	return HandlerState(h.state.Load())
}

func (h *Handler) setState(s HandlerState) {
	h.state.Store(int32(s))
}

func (h *Handler) getRecord() *session.Record {
	h.recordMu.RLock()
	defer h.recordMu.RUnlock()
	return h.record
}

func (h *Handler) setRecord(rec *session.Record) {
	h.recordMu.Lock()
	h.record = rec
	h.recordMu.Unlock()
}
