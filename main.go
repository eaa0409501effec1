package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"AIAssistGateway/internal/auth"
	"AIAssistGateway/internal/config"
	"AIAssistGateway/internal/database"
	"AIAssistGateway/internal/dispatch"
	"AIAssistGateway/internal/gateway"
	"AIAssistGateway/internal/httpserver"
	"AIAssistGateway/internal/logger"
	"AIAssistGateway/internal/protocol"
	"AIAssistGateway/internal/session"
	"AIAssistGateway/internal/store"
	"AIAssistGateway/internal/userstore"
	"AIAssistGateway/internal/wsclient"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, client, demo")
		configPath = flag.String("config", "", "配置文件路径")
		url        = flag.String("url", "ws://localhost:8080/ws", "WebSocket连接URL")
		token      = flag.String("token", "", "认证令牌")
		clients    = flag.Int("clients", 1, "客户端数量")
		duration   = flag.Duration("duration", 30*time.Second, "运行时长")
	)
	flag.Parse()

	logger.InitLogger()

	switch *mode {
	case "server":
		runServer(*configPath)
	case "client":
		runClient(*url, *token, *clients, *duration)
	case "demo":
		runDemo()
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runServer 启动网关服务器
func runServer(configPath string) {
	cm := config.NewConfigManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(true),
	)
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 会话存储
	redisStore, err := store.NewRedisStore(&store.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatalf("连接Redis失败: %v", err)
	}
	defer redisStore.Close()

	// 用户数据库
	pool, err := database.ConnectPgx(&database.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
		SSLMode:  cfg.Postgres.SSLMode,
	})
	if err != nil {
		log.Fatalf("连接PostgreSQL失败: %v", err)
	}
	defer pool.Close()

	users := userstore.NewRepository(pool)
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 10*time.Second)
	if err := users.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatalf("用户表迁移失败: %v", err)
	}
	cancelMigrate()

	verifier := auth.NewVerifier(cfg.Auth.SigningSecret, cfg.Auth.TokenTTL)

	managerConfig := session.DefaultManagerConfig()
	managerConfig.TTL = cfg.Session.TTL
	sessions := session.NewManager(redisStore, managerConfig)

	backendConfig := dispatch.DefaultHTTPBackendConfig(cfg.Backend.URL)
	backendConfig.Model = cfg.Backend.Model
	backendConfig.MaxTokens = cfg.Backend.MaxTokens
	backendConfig.Timeout = cfg.Backend.Timeout
	backend := dispatch.NewHTTPBackend(backendConfig)

	dispatcherConfig := dispatch.DefaultDispatcherConfig()
	dispatcherConfig.RequestTimeout = cfg.Backend.Timeout
	dispatcher := dispatch.New(backend, dispatcherConfig)

	gatewayConfig := gateway.DefaultServerConfig()
	gatewayConfig.HandshakeTimeout = cfg.Session.HandshakeTimeout
	gatewayConfig.IdleTimeout = cfg.Session.IdleTimeout
	gatewayConfig.MaxConnections = cfg.Server.MaxConnections
	gw := gateway.NewServer(gatewayConfig, verifier, sessions, dispatcher)

	apiConfig := httpserver.DefaultConfig(cfg.Server.Addr)
	apiConfig.WSPath = cfg.Server.WSPath
	apiConfig.ReadTimeout = cfg.Server.ReadTimeout
	apiConfig.WriteTimeout = cfg.Server.WriteTimeout
	api := httpserver.NewAPIServer(apiConfig, users, verifier, gw)
	api.AddHealthCheck("redis", redisStore.Ping)
	api.AddHealthCheck("postgres", pool.Ping)

	if err := api.Start(); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}

	fmt.Printf("✅ 服务器已启动，监听地址: %s\n", cfg.Server.Addr)
	fmt.Printf("🔌 WebSocket端点: ws://%s%s\n", hostPort(cfg.Server.Addr), cfg.Server.WSPath)
	fmt.Printf("📊 健康检查: http://%s/api/v1/health\n", hostPort(cfg.Server.Addr))

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Println("\n🔄 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}

	fmt.Println("✅ 服务器已关闭")
}

func hostPort(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// runClient 运行客户端压力测试
func runClient(url, token string, clientCount int, duration time.Duration) {
	if token == "" {
		log.Fatal("客户端模式需要 -token 参数")
	}

	fmt.Printf("🔥 启动客户端压力测试\n")
	fmt.Printf("   连接URL: %s\n", url)
	fmt.Printf("   客户端数量: %d\n", clientCount)
	fmt.Printf("   运行时长: %v\n", duration)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), duration+10*time.Second)
	defer cancel()

	var sent, received, failed atomic.Uint64

	conns := make([]*wsclient.Client, clientCount)
	for i := 0; i < clientCount; i++ {
		cfg := wsclient.DefaultClientConfig(url, token)
		client := wsclient.New(cfg)

		client.SetResponseHandler(func(resp *protocol.AIResponse) {
			received.Add(1)
		})
		client.SetErrorHandler(func(errMsg *protocol.ErrorMessage) {
			failed.Add(1)
		})
		conns[i] = client
	}

	// 连接所有客户端
	fmt.Printf("🔗 正在连接 %d 个客户端...\n", clientCount)
	for i, client := range conns {
		if err := client.Connect(ctx); err != nil {
			log.Printf("客户端 %d 连接失败: %v", i, err)
			continue
		}
		time.Sleep(10 * time.Millisecond) // 避免连接风暴
	}

	fmt.Printf("\n🚀 开始压力测试，运行 %v...\n", duration)
	deadline := time.Now().Add(duration)

	var wg sync.WaitGroup
	for i, client := range conns {
		if client.State() != wsclient.StateConnected {
			continue
		}
		wg.Add(1)
		go func(idx int, c *wsclient.Client) {
			defer wg.Done()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					prompt := fmt.Sprintf("client %d ping at %d", idx, time.Now().UnixMilli())
					if err := c.SendRequest(prompt, uuid.NewString()); err != nil {
						failed.Add(1)
					} else {
						sent.Add(1)
					}
				}
			}
		}(i, client)
	}

	wg.Wait()
	time.Sleep(2 * time.Second) // 等待尾部响应

	for _, client := range conns {
		client.Disconnect()
	}

	fmt.Println("\n📈 压力测试结果:")
	fmt.Printf("   发送请求: %d\n", sent.Load())
	fmt.Printf("   收到响应: %d\n", received.Load())
	fmt.Printf("   发送失败: %d\n", failed.Load())
}

// runDemo 打印项目概览
func runDemo() {
	fmt.Println("🚀 AIAssistGateway - AI助手实时消息网关")
	fmt.Println("=======================================")
	fmt.Println()

	fmt.Println("📋 项目特性:")
	fmt.Println("  ✅ WebSocket长连接 + 认证握手")
	fmt.Println("  ✅ Redis会话存储 + 活跃续期")
	fmt.Println("  ✅ JWT凭证校验与签发")
	fmt.Println("  ✅ 异步AI请求分发与乱序响应")
	fmt.Println("  ✅ 会话顶号策略(后连接者获胜)")
	fmt.Println("  ✅ 用户CRUD REST API (PostgreSQL)")
	fmt.Println()

	fmt.Println("🔧 快速开始:")
	fmt.Println("  # 启动网关服务器")
	fmt.Println("  go run main.go -mode=server -config=configs/gateway.yaml")
	fmt.Println()
	fmt.Println("  # 注册用户并登录获取令牌")
	fmt.Println("  curl -XPOST localhost:8080/api/v1/auth/register -d '{\"username\":\"demo\",\"password\":\"demo-pass-123\"}'")
	fmt.Println("  curl -XPOST localhost:8080/api/v1/auth/login -d '{\"username\":\"demo\",\"password\":\"demo-pass-123\"}'")
	fmt.Println()
	fmt.Println("  # 运行客户端压力测试")
	fmt.Println("  go run main.go -mode=client -token=<token> -clients=10 -duration=60s")
}
