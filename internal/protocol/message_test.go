package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeStartConnection 测试认证消息解码
func TestDecodeStartConnection(t *testing.T) {
	raw := []byte(`{"type":"start_connection","token":"jwt-here"}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	start, ok := msg.(*StartConnection)
	require.True(t, ok, "expected *StartConnection, got %T", msg)
	assert.Equal(t, "jwt-here", start.Token)
	assert.Empty(t, start.SessionID)
}

// TestDecodeStartConnectionWithResume 测试携带session_id的恢复握手
func TestDecodeStartConnectionWithResume(t *testing.T) {
	raw := []byte(`{"type":"start_connection","token":"jwt-here","session_id":"abc-123"}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	start := msg.(*StartConnection)
	assert.Equal(t, "abc-123", start.SessionID)
}

// TestEncodeDecodeRoundTrip 测试各消息类型编解码往返
func TestEncodeDecodeRoundTrip(t *testing.T) {
	messages := []interface{}{
		NewStartConnection("token-1", ""),
		NewConnected("session-1"),
		NewAIRequest("hello", "req-1"),
		NewAIResponse("req-1", "world"),
		NewDisconnect("session-1"),
		NewRequestError(CodeBackendFailure, "backend failed", "req-1"),
	}

	for _, original := range messages {
		data, err := Encode(original)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, original, decoded)
	}
}

// TestDecodeUnknownType 测试未知消息类型
func TestDecodeUnknownType(t *testing.T) {
	raw := []byte(`{"type":"launch_missiles"}`)

	_, err := Decode(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
}

// TestDecodeMissingType 测试缺失type字段
func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"token":"jwt-here"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

// TestDecodeMalformedJSON 测试非法JSON
func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// TestDecodeOversizedMessage 测试超大消息被拒绝
func TestDecodeOversizedMessage(t *testing.T) {
	prompt := strings.Repeat("a", MaxMessageSize)
	data, err := Encode(NewAIRequest(prompt, "req-1"))
	require.NoError(t, err)
	require.Greater(t, len(data), MaxMessageSize)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestErrorMessageOmitsEmptyFields 测试error消息的可选字段省略
func TestErrorMessageOmitsEmptyFields(t *testing.T) {
	data, err := Encode(NewError(CodeSessionDisplaced, ""))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "message")
	assert.NotContains(t, string(data), "request_id")

	data, err = Encode(NewRequestError(CodeBackendFailure, "boom", "req-9"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"req-9"`)
}

// TestTypeClassification 测试消息方向分类
func TestTypeClassification(t *testing.T) {
	assert.True(t, IsClientType(TypeStartConnection))
	assert.True(t, IsClientType(TypeAIRequest))
	assert.True(t, IsClientType(TypeDisconnect))
	assert.False(t, IsClientType(TypeConnected))

	assert.True(t, IsServerType(TypeConnected))
	assert.True(t, IsServerType(TypeAIResponse))
	assert.True(t, IsServerType(TypeError))
	assert.False(t, IsServerType(TypeAIRequest))

	assert.False(t, IsValidType("nonsense"))
	assert.Equal(t, "UNKNOWN", TypeToString("nonsense"))
}

// TestIsFatalCode 测试致命错误码判定
func TestIsFatalCode(t *testing.T) {
	assert.True(t, IsFatalCode(CodeInvalidCredential))
	assert.True(t, IsFatalCode(CodeSessionDisplaced))
	assert.True(t, IsFatalCode(CodeSessionNotFound))
	assert.True(t, IsFatalCode(CodeStoreUnavailable))
	assert.True(t, IsFatalCode(CodeProtocolViolation))
	assert.False(t, IsFatalCode(CodeBackendFailure))
}
