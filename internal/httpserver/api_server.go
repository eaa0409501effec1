package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"AIAssistGateway/internal/auth"
	"AIAssistGateway/internal/gateway"
	"AIAssistGateway/internal/userstore"
)

// UserStore 用户存储接口
type UserStore interface {
	Create(ctx context.Context, username, password string, role auth.Role) (*userstore.User, error)
	Get(ctx context.Context, id string) (*userstore.User, error)
	Update(ctx context.Context, id, username string) (*userstore.User, error)
	Delete(ctx context.Context, id string) error
	Authenticate(ctx context.Context, username, password string) (*userstore.User, error)
}

// AuthService 凭证签发与校验接口
type AuthService interface {
	Verify(credential string) (*auth.Claims, error)
	Issue(userID string, role auth.Role) (string, time.Time, error)
}

// APIServer HTTP API服务器：用户CRUD、登录签发凭证，并挂载实时网关
type APIServer struct {
	router  *mux.Router
	server  *http.Server
	users   UserStore
	auth    AuthService
	gateway *gateway.Server

	// 健康检查探针，按依赖名注册
	checksMu     sync.Mutex
	healthChecks map[string]func(context.Context) error

	startTime time.Time
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Config API服务器配置
type Config struct {
	Addr         string
	WSPath       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:         addr,
		WSPath:       "/ws",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewAPIServer 创建HTTP API服务器
func NewAPIServer(config *Config, users UserStore, authSvc AuthService, gw *gateway.Server) *APIServer {
	if config == nil {
		config = DefaultConfig(":8080")
	}

	s := &APIServer{
		router:       mux.NewRouter(),
		users:        users,
		auth:         authSvc,
		gateway:      gw,
		healthChecks: make(map[string]func(context.Context) error),
		startTime:    time.Now(),
	}

	s.setupRoutes(config.WSPath)

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes(wsPath string) {
	s.router.Use(s.loggingMiddleware)

	// 实时网关入口（WebSocket连接自行认证，不走中间件）
	// 升级后的长连接生命周期由网关自己管理
	if s.gateway != nil {
		s.router.HandleFunc(wsPath, s.gateway.HandleWebSocket)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 用户认证相关
	api.HandleFunc("/auth/register", s.registerHandler).Methods("POST")
	api.HandleFunc("/auth/login", s.loginHandler).Methods("POST")

	// 用户管理（需要凭证）
	users := api.PathPrefix("/users").Subrouter()
	users.Use(s.authMiddleware)
	users.HandleFunc("/{id}", s.getUserHandler).Methods("GET")
	users.HandleFunc("/{id}", s.updateUserHandler).Methods("PUT")
	users.HandleFunc("/{id}", s.deleteUserHandler).Methods("DELETE")

	// 健康检查和监控
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("Starting API server on %s", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Shutdown 优雅关闭，先停网关再停HTTP
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.gateway != nil {
		if err := s.gateway.Shutdown(ctx); err != nil {
			log.Printf("Gateway shutdown error: %v", err)
		}
	}
	return s.server.Shutdown(ctx)
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

type claimsKey struct{}

// authMiddleware Bearer凭证校验
func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeErrorResponse(w, http.StatusUnauthorized, "invalid_credential", "Missing bearer token")
			return
		}

		claims, err := s.auth.Verify(token)
		if err != nil {
			s.writeErrorResponse(w, http.StatusUnauthorized, "invalid_credential", "Authentication failed")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
	return claims
}

// canAccess 仅本人或管理员可操作用户资源
func canAccess(claims *auth.Claims, userID string) bool {
	if claims == nil {
		return false
	}
	return claims.Role == auth.RoleAdmin || claims.UserID == userID
}

// 认证相关处理器
func (s *APIServer) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if req.Username == "" || len(req.Password) < 8 {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Username and password (min 8 chars) are required")
		return
	}

	user, err := s.users.Create(r.Context(), req.Username, req.Password, auth.RoleUser)
	if errors.Is(err, userstore.ErrUsernameTaken) {
		s.writeErrorResponse(w, http.StatusConflict, "username_taken", "Username already taken")
		return
	}
	if err != nil {
		log.Printf("Create user failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to create user")
		return
	}

	s.writeSuccessResponse(w, http.StatusCreated, user)
}

func (s *APIServer) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, userstore.ErrUserNotFound) || errors.Is(err, userstore.ErrWrongPassword) {
		s.writeErrorResponse(w, http.StatusUnauthorized, "invalid_credential", "Invalid username or password")
		return
	}
	if err != nil {
		log.Printf("Authenticate failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Authentication failed")
		return
	}

	token, expiresAt, err := s.auth.Issue(user.ID, user.Role)
	if err != nil {
		log.Printf("Issue token failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to issue token")
		return
	}

	s.writeSuccessResponse(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt,
		"user":       user,
	})
}

// 用户管理处理器
func (s *APIServer) getUserHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !canAccess(claimsFrom(r), id) {
		s.writeErrorResponse(w, http.StatusForbidden, "forbidden", "Access denied")
		return
	}

	user, err := s.users.Get(r.Context(), id)
	if errors.Is(err, userstore.ErrUserNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	if err != nil {
		log.Printf("Get user failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to get user")
		return
	}

	s.writeSuccessResponse(w, http.StatusOK, user)
}

func (s *APIServer) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !canAccess(claimsFrom(r), id) {
		s.writeErrorResponse(w, http.StatusForbidden, "forbidden", "Access denied")
		return
	}

	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	user, err := s.users.Update(r.Context(), id, req.Username)
	switch {
	case errors.Is(err, userstore.ErrUserNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "User not found")
		return
	case errors.Is(err, userstore.ErrUsernameTaken):
		s.writeErrorResponse(w, http.StatusConflict, "username_taken", "Username already taken")
		return
	case err != nil:
		log.Printf("Update user failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to update user")
		return
	}

	s.writeSuccessResponse(w, http.StatusOK, user)
}

func (s *APIServer) deleteUserHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !canAccess(claimsFrom(r), id) {
		s.writeErrorResponse(w, http.StatusForbidden, "forbidden", "Access denied")
		return
	}

	err := s.users.Delete(r.Context(), id)
	if errors.Is(err, userstore.ErrUserNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	if err != nil {
		log.Printf("Delete user failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to delete user")
		return
	}

	s.writeSuccessResponse(w, http.StatusOK, map[string]string{"id": id})
}

// AddHealthCheck 注册依赖连通性探针（Redis、PostgreSQL等）
func (s *APIServer) AddHealthCheck(name string, check func(context.Context) error) {
	s.checksMu.Lock()
	s.healthChecks[name] = check
	s.checksMu.Unlock()
}

// 健康检查和监控处理器
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.checksMu.Lock()
	checks := make(map[string]func(context.Context) error, len(s.healthChecks))
	for name, check := range s.healthChecks {
		checks[name] = check
	}
	s.checksMu.Unlock()

	healthy := true
	components := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			log.Printf("Health check %s failed: %v", name, err)
			components[name] = "unavailable"
			healthy = false
		} else {
			components[name] = "ok"
		}
	}

	data := map[string]interface{}{
		"status":         "healthy",
		"components":     components,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}

	if !healthy {
		data["status"] = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(APIResponse{
			Success:   false,
			Data:      data,
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	s.writeSuccessResponse(w, http.StatusOK, data)
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
	if s.gateway != nil {
		stats["gateway"] = s.gateway.Stats()
	}
	s.writeSuccessResponse(w, http.StatusOK, stats)
}

// Handler 返回根处理器，供测试挂载
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// 响应辅助函数
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success:   false,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}
