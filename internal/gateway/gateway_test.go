package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AIAssistGateway/internal/auth"
	"AIAssistGateway/internal/dispatch"
	"AIAssistGateway/internal/protocol"
	"AIAssistGateway/internal/session"
	"AIAssistGateway/internal/store"
)

const testSecret = "gateway-test-secret-0123456789"

// countingStore 包装内存存储并统计Delete调用，用于验证撤销恰好一次
type countingStore struct {
	*store.MemoryStore
	deletes atomic.Int32
}

func (c *countingStore) Delete(ctx context.Context, sessionID string) error {
	c.deletes.Add(1)
	return c.MemoryStore.Delete(ctx, sessionID)
}

// echoCompleter 回显后端，prompt带"fail"前缀时返回错误，带"slow:"前缀时延迟
type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.HasPrefix(prompt, "fail") {
		return "", errors.New("backend exploded")
	}
	if strings.HasPrefix(prompt, "slow:") {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "echo: " + prompt, nil
}

type testEnv struct {
	store    *countingStore
	sessions *session.Manager
	verifier *auth.Verifier
	gateway  *Server
	httpSrv  *httptest.Server
	wsURL    string
}

func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()

	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	sessions := session.NewManager(cs, &session.ManagerConfig{
		TTL:             time.Minute,
		TouchRetryInit:  time.Millisecond,
		TouchRetryLimit: 100 * time.Millisecond,
	})
	verifier := auth.NewVerifier(testSecret, time.Hour)
	dispatcher := dispatch.New(echoCompleter{}, &dispatch.DispatcherConfig{
		RequestTimeout: 5 * time.Second,
	})

	config := DefaultServerConfig()
	config.HandshakeTimeout = 2 * time.Second
	config.IdleTimeout = 10 * time.Second
	if mutate != nil {
		mutate(config)
	}

	gw := NewServer(config, verifier, sessions, dispatcher)
	httpSrv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	t.Cleanup(httpSrv.Close)

	return &testEnv{
		store:    cs,
		sessions: sessions,
		verifier: verifier,
		gateway:  gw,
		httpSrv:  httpSrv,
		wsURL:    "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

func (env *testEnv) issueToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := env.verifier.Issue(userID, auth.RoleUser)
	require.NoError(t, err)
	return token
}

// dial 建立原始WebSocket连接
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readMsg(t *testing.T, conn *websocket.Conn) interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	return msg
}

// handshake 完成认证握手并返回session_id
func handshake(t *testing.T, conn *websocket.Conn, token, sessionID string) string {
	t.Helper()
	sendMsg(t, conn, protocol.NewStartConnection(token, sessionID))

	msg := readMsg(t, conn)
	connected, ok := msg.(*protocol.Connected)
	require.True(t, ok, "expected connected, got %#v", msg)
	require.NotEmpty(t, connected.SessionID)
	return connected.SessionID
}

// expectClosed 断言连接随后被服务端关闭
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "connection should be closed by server")
}

// TestHandshakeAndRequestResponse 测试完整的认证+请求+响应链路
func TestHandshakeAndRequestResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)

	sessionID := handshake(t, conn, env.issueToken(t, "user-1"), "")

	// 会话记录已写入存储且处于Active
	rec, err := env.sessions.Lookup(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, session.StatusActive, rec.Status)

	sendMsg(t, conn, protocol.NewAIRequest("hello", "req-1"))

	msg := readMsg(t, conn)
	resp, ok := msg.(*protocol.AIResponse)
	require.True(t, ok, "expected ai_response, got %#v", msg)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "echo: hello", resp.Result)
}

// TestFirstMessageMustAuthenticate 测试未认证先发业务消息被拒绝
func TestFirstMessageMustAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)

	sendMsg(t, conn, protocol.NewAIRequest("sneaky", "req-1"))

	msg := readMsg(t, conn)
	errMsg, ok := msg.(*protocol.ErrorMessage)
	require.True(t, ok, "expected error, got %#v", msg)
	assert.Equal(t, protocol.CodeProtocolViolation, errMsg.Code)
	expectClosed(t, conn)
}

// TestInvalidCredential 测试无效凭证被拒绝且不泄露原因
func TestInvalidCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	otherIssuer := auth.NewVerifier("a-different-secret-0123456789", time.Hour)
	forged, _, err := otherIssuer.Issue("user-1", auth.RoleUser)
	require.NoError(t, err)

	for _, token := range []string{"garbage", forged} {
		conn := dial(t, env.wsURL)
		sendMsg(t, conn, protocol.NewStartConnection(token, ""))

		msg := readMsg(t, conn)
		errMsg, ok := msg.(*protocol.ErrorMessage)
		require.True(t, ok, "expected error, got %#v", msg)
		assert.Equal(t, protocol.CodeInvalidCredential, errMsg.Code)
		expectClosed(t, conn)
	}

	// 认证失败不留下任何会话
	assert.Equal(t, 0, env.store.Len())
	assert.Equal(t, 0, env.sessions.OwnerCount())
}

// TestOutOfOrderResponses 测试多在途请求乱序完成
func TestOutOfOrderResponses(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	handshake(t, conn, env.issueToken(t, "user-1"), "")

	sendMsg(t, conn, protocol.NewAIRequest("slow: think hard", "req-slow"))
	sendMsg(t, conn, protocol.NewAIRequest("quick one", "req-fast"))

	first := readMsg(t, conn).(*protocol.AIResponse)
	second := readMsg(t, conn).(*protocol.AIResponse)

	assert.Equal(t, "req-fast", first.RequestID, "fast request should finish first")
	assert.Equal(t, "req-slow", second.RequestID)
}

// TestBackendFailureKeepsConnectionAlive 测试后端失败按请求上报、连接存活
func TestBackendFailureKeepsConnectionAlive(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	handshake(t, conn, env.issueToken(t, "user-1"), "")

	sendMsg(t, conn, protocol.NewAIRequest("fail please", "req-bad"))

	msg := readMsg(t, conn)
	errMsg, ok := msg.(*protocol.ErrorMessage)
	require.True(t, ok, "expected error, got %#v", msg)
	assert.Equal(t, protocol.CodeBackendFailure, errMsg.Code)
	assert.Equal(t, "req-bad", errMsg.RequestID)

	// 连接未被关闭，后续请求正常
	sendMsg(t, conn, protocol.NewAIRequest("still here", "req-ok"))
	resp := readMsg(t, conn).(*protocol.AIResponse)
	assert.Equal(t, "req-ok", resp.RequestID)
}

// TestMissingRequestID 测试缺失request_id的请求是协议违规
func TestMissingRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	handshake(t, conn, env.issueToken(t, "user-1"), "")

	sendMsg(t, conn, protocol.NewAIRequest("prompt", ""))

	errMsg := readMsg(t, conn).(*protocol.ErrorMessage)
	assert.Equal(t, protocol.CodeProtocolViolation, errMsg.Code)
	expectClosed(t, conn)
}

// TestMalformedMessage 测试非法消息导致协议违规关闭
func TestMalformedMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	sessionID := handshake(t, conn, env.issueToken(t, "user-1"), "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense"}`)))

	errMsg := readMsg(t, conn).(*protocol.ErrorMessage)
	assert.Equal(t, protocol.CodeProtocolViolation, errMsg.Code)
	expectClosed(t, conn)

	waitFor(t, func() bool {
		_, err := env.sessions.Lookup(context.Background(), sessionID)
		return errors.Is(err, session.ErrNotFound)
	}, "session should be revoked after protocol violation")
}

// TestGracefulDisconnectRevokesOnce 测试显式断开恰好撤销一次
func TestGracefulDisconnectRevokesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	sessionID := handshake(t, conn, env.issueToken(t, "user-1"), "")

	sendMsg(t, conn, protocol.NewDisconnect(sessionID))
	expectClosed(t, conn)

	waitFor(t, func() bool {
		return env.gateway.ConnectionCount() == 0
	}, "connection should be unregistered")

	_, err := env.sessions.Lookup(context.Background(), sessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, int32(1), env.store.deletes.Load(), "revoke must run exactly once")
}

// TestDisconnectForeignSessionIgnored 测试带他人session_id的断开请求被忽略
func TestDisconnectForeignSessionIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	handshake(t, conn, env.issueToken(t, "user-1"), "")

	sendMsg(t, conn, protocol.NewDisconnect("not-my-session"))

	// 连接保持存活
	sendMsg(t, conn, protocol.NewAIRequest("ping", "req-1"))
	resp := readMsg(t, conn).(*protocol.AIResponse)
	assert.Equal(t, "req-1", resp.RequestID)
}

// TestForcedLogoutOnRevokedSession 测试会话被外部撤销后强制登出
func TestForcedLogoutOnRevokedSession(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	sessionID := handshake(t, conn, env.issueToken(t, "user-1"), "")

	// 模拟另一端撤销（如管理端强制下线或TTL过期）
	require.NoError(t, env.store.MemoryStore.Delete(context.Background(), sessionID))

	sendMsg(t, conn, protocol.NewAIRequest("am I still here", "req-1"))

	errMsg := readMsg(t, conn).(*protocol.ErrorMessage)
	assert.Equal(t, protocol.CodeSessionNotFound, errMsg.Code)
	expectClosed(t, conn)
}

// TestSessionDisplacement 测试同一会话被新连接抢占（后写者胜）
func TestSessionDisplacement(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.issueToken(t, "user-1")

	connA := dial(t, env.wsURL)
	sessionID := handshake(t, connA, token, "")

	connB := dial(t, env.wsURL)
	resumed := handshake(t, connB, token, sessionID)
	assert.Equal(t, sessionID, resumed, "resume should keep the session id")

	// 旧连接收到SESSION_DISPLACED后被关闭
	errMsg := readMsg(t, connA).(*protocol.ErrorMessage)
	assert.Equal(t, protocol.CodeSessionDisplaced, errMsg.Code)
	expectClosed(t, connA)

	// 旧连接的teardown不得撤销新持有者的记录
	waitFor(t, func() bool {
		return env.gateway.ConnectionCount() == 1
	}, "old connection should be unregistered")
	assert.Equal(t, int32(0), env.store.deletes.Load(),
		"displaced connection must not delete the record")

	// 新连接照常工作
	sendMsg(t, connB, protocol.NewAIRequest("who owns this", "req-1"))
	resp := readMsg(t, connB).(*protocol.AIResponse)
	assert.Equal(t, "req-1", resp.RequestID)

	// 新连接断开时才真正撤销，整个会话生命周期删除一次
	sendMsg(t, connB, protocol.NewDisconnect(sessionID))
	expectClosed(t, connB)
	waitFor(t, func() bool {
		return env.store.deletes.Load() == 1
	}, "exactly one revoke across both connections")
}

// TestResumeForeignSessionRejected 测试恢复他人会话被拒绝，且合法连接不受波及
func TestResumeForeignSessionRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	connA := dial(t, env.wsURL)
	sessionID := handshake(t, connA, env.issueToken(t, "user-1"), "")

	connB := dial(t, env.wsURL)
	sendMsg(t, connB, protocol.NewStartConnection(env.issueToken(t, "user-2"), sessionID))

	errMsg := readMsg(t, connB).(*protocol.ErrorMessage)
	assert.Equal(t, protocol.CodeProtocolViolation, errMsg.Code)
	expectClosed(t, connB)

	// 被冒用的连接必须保持存活：不被顶号、不被关闭、请求照常处理
	sendMsg(t, connA, protocol.NewAIRequest("still mine", "req-1"))
	msg := readMsg(t, connA)
	resp, ok := msg.(*protocol.AIResponse)
	require.True(t, ok, "victim connection must stay usable, got %#v", msg)
	assert.Equal(t, "req-1", resp.RequestID)

	// 记录仍归原用户所有且未被撤销
	rec, err := env.sessions.Lookup(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, int32(0), env.store.deletes.Load())
	assert.Equal(t, 1, env.sessions.OwnerCount())

	// 原连接断开时正常撤销，会话不会沦为无主记录
	sendMsg(t, connA, protocol.NewDisconnect(sessionID))
	expectClosed(t, connA)
	waitFor(t, func() bool {
		return env.store.deletes.Load() == 1
	}, "legitimate owner's disconnect should revoke the record")
}

// TestIdleTimeout 测试空闲超时自关闭并撤销会话
func TestIdleTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		c.IdleTimeout = 150 * time.Millisecond
	})
	conn := dial(t, env.wsURL)
	sessionID := handshake(t, conn, env.issueToken(t, "user-1"), "")

	// 不发送任何消息，等待服务端空闲关闭
	expectClosed(t, conn)

	waitFor(t, func() bool {
		_, err := env.sessions.Lookup(context.Background(), sessionID)
		return errors.Is(err, session.ErrNotFound)
	}, "idle session should be revoked")
	assert.Equal(t, int32(1), env.store.deletes.Load())
}

// TestHandshakeTimeout 测试Pending状态超时关闭
func TestHandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		c.HandshakeTimeout = 100 * time.Millisecond
	})
	conn := dial(t, env.wsURL)

	// 不发送start_connection
	expectClosed(t, conn)
	assert.Equal(t, 0, env.store.Len())
}

// TestServerShutdown 测试优雅关闭：关闭存量连接并拒绝新连接
func TestServerShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL)
	sessionID := handshake(t, conn, env.issueToken(t, "user-1"), "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.gateway.Shutdown(ctx))

	expectClosed(t, conn)
	assert.Equal(t, 0, env.gateway.ConnectionCount())

	_, err := env.sessions.Lookup(context.Background(), sessionID)
	assert.ErrorIs(t, err, session.ErrNotFound, "shutdown should revoke live sessions")

	// 新连接被拒绝
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}
}

// TestMaxConnections 测试连接数上限
func TestMaxConnections(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		c.MaxConnections = 1
	})

	connA := dial(t, env.wsURL)
	handshake(t, connA, env.issueToken(t, "user-1"), "")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}
}

// waitFor 轮询等待条件成立
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
