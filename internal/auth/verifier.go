package auth

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role 用户角色
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// IsValid 检查角色是否有效
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

// ErrInvalidCredential 统一的凭证错误
// 对调用方不区分过期/格式错误/签名无效，避免预言机泄露
var ErrInvalidCredential = errors.New("invalid credential")

// Claims 从凭证中提取的身份声明
type Claims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Verifier 凭证校验器，使用进程级共享密钥做HS256签名校验
type Verifier struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewVerifier 创建凭证校验器
func NewVerifier(secret string, tokenTTL time.Duration) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

// Verify 校验凭证并提取身份声明
// 任何失败都返回ErrInvalidCredential，具体原因只记录在服务端日志
func (v *Verifier) Verify(credential string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		})
	if err != nil {
		log.Printf("Credential rejected: %v", err)
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		log.Printf("Credential rejected: claims invalid")
		return nil, ErrInvalidCredential
	}

	if claims.UserID == "" || !claims.Role.IsValid() {
		log.Printf("Credential rejected: missing user_id or bad role %q", claims.Role)
		return nil, ErrInvalidCredential
	}

	return claims, nil
}

// Issue 签发访问凭证，供REST登录接口使用
func (v *Verifier) Issue(userID string, role Role) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   "access",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token failed: %w", err)
	}

	return signed, claims.ExpiresAt.Time, nil
}
