package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// 最大消息大小限制（防止内存攻击）
	MaxMessageSize = 64 * 1024 // 64KB
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMissingType     = errors.New("missing message type")
	ErrUnknownType     = errors.New("unknown message type")
	ErrInvalidMessage  = errors.New("invalid message format")
)

// 消息类型定义 - 用于识别不同类型的消息
const (
	TypeStartConnection = "start_connection"
	TypeConnected       = "connected"
	TypeAIRequest       = "ai_request"
	TypeAIResponse      = "ai_response"
	TypeDisconnect      = "disconnect"
	TypeError           = "error"
)

// StartConnection 客户端首条消息，携带认证凭证
// SessionID 为可选字段：携带时表示恢复已有会话（触发抢占策略）
type StartConnection struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
}

// Connected 服务端认证成功响应，下发会话标识
type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AIRequest AI推理请求，RequestID由客户端生成用于响应关联
type AIRequest struct {
	Type      string `json:"type"`
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id"`
}

// AIResponse AI推理响应，按RequestID关联，允许乱序到达
type AIResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Result    string `json:"result"`
}

// Disconnect 客户端主动断开请求
type Disconnect struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ErrorMessage 错误响应
// RequestID 仅在错误与某个具体请求关联时携带（如BACKEND_FAILURE）
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewStartConnection 构造认证消息
func NewStartConnection(token, sessionID string) *StartConnection {
	return &StartConnection{Type: TypeStartConnection, Token: token, SessionID: sessionID}
}

// NewConnected 构造会话建立响应
func NewConnected(sessionID string) *Connected {
	return &Connected{Type: TypeConnected, SessionID: sessionID}
}

// NewAIRequest 构造AI请求
func NewAIRequest(prompt, requestID string) *AIRequest {
	return &AIRequest{Type: TypeAIRequest, Prompt: prompt, RequestID: requestID}
}

// NewAIResponse 构造AI响应
func NewAIResponse(requestID, result string) *AIResponse {
	return &AIResponse{Type: TypeAIResponse, RequestID: requestID, Result: result}
}

// NewDisconnect 构造断开请求
func NewDisconnect(sessionID string) *Disconnect {
	return &Disconnect{Type: TypeDisconnect, SessionID: sessionID}
}

// NewError 构造错误响应
func NewError(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// NewRequestError 构造与具体请求关联的错误响应
func NewRequestError(code, message, requestID string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message, RequestID: requestID}
}

// Encode 将消息编码为JSON字节流
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message failed: %w", err)
	}
	return data, nil
}

// envelope 仅用于探测消息类型标签
type envelope struct {
	Type string `json:"type"`
}

// Decode 从JSON字节流解码出具体消息
// 返回的interface{}为对应类型的指针；未知type返回ErrUnknownType
func Decode(raw []byte) (interface{}, error) {
	if len(raw) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if env.Type == "" {
		return nil, ErrMissingType
	}

	var msg interface{}
	switch env.Type {
	case TypeStartConnection:
		msg = &StartConnection{}
	case TypeConnected:
		msg = &Connected{}
	case TypeAIRequest:
		msg = &AIRequest{}
	case TypeAIResponse:
		msg = &AIResponse{}
	case TypeDisconnect:
		msg = &Disconnect{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return msg, nil
}

// TypeToString 将消息类型转换为可读字符串，用于调试和日志
func TypeToString(msgType string) string {
	switch msgType {
	case TypeStartConnection:
		return "START_CONNECTION"
	case TypeConnected:
		return "CONNECTED"
	case TypeAIRequest:
		return "AI_REQUEST"
	case TypeAIResponse:
		return "AI_RESPONSE"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidType 检查消息类型是否有效
func IsValidType(msgType string) bool {
	switch msgType {
	case TypeStartConnection, TypeConnected, TypeAIRequest,
		TypeAIResponse, TypeDisconnect, TypeError:
		return true
	default:
		return false
	}
}

// IsClientType 判断是否为客户端发起的消息类型
func IsClientType(msgType string) bool {
	switch msgType {
	case TypeStartConnection, TypeAIRequest, TypeDisconnect:
		return true
	default:
		return false
	}
}

// IsServerType 判断是否为服务端下发的消息类型
func IsServerType(msgType string) bool {
	switch msgType {
	case TypeConnected, TypeAIResponse, TypeError:
		return true
	default:
		return false
	}
}
