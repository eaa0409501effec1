package protocol

// 错误码定义 - 下发给客户端的error消息code字段
const (
	// 认证失败：凭证无效、过期或签名错误（对客户端不区分）
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	// 协议违规：格式错误或状态机不允许的消息
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	// 会话已过期或被其他端撤销，客户端需重新认证
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	// 会话被新连接抢占，旧连接收到后即被关闭
	CodeSessionDisplaced = "SESSION_DISPLACED"
	// 推理后端失败：按请求上报，不影响连接存活
	CodeBackendFailure = "BACKEND_FAILURE"
	// 会话存储不可达
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// IsFatalCode 判断错误码是否导致连接关闭
func IsFatalCode(code string) bool {
	switch code {
	case CodeInvalidCredential, CodeProtocolViolation,
		CodeSessionNotFound, CodeSessionDisplaced, CodeStoreUnavailable:
		return true
	default:
		return false
	}
}
