package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Backend  BackendConfig  `yaml:"backend" mapstructure:"backend"`
}

// ServerConfig HTTP/WebSocket服务配置
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	WSPath          string        `yaml:"ws_path" mapstructure:"ws_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
}

// RedisConfig 会话存储连接配置
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// PostgresConfig 用户存储连接配置
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"dbname" mapstructure:"dbname"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// AuthConfig 凭证签名配置
type AuthConfig struct {
	SigningSecret string        `yaml:"signing_secret" mapstructure:"signing_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// SessionConfig 会话生命周期配置
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl" mapstructure:"ttl"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
}

// BackendConfig 推理后端配置
type BackendConfig struct {
	URL       string        `yaml:"url" mapstructure:"url"`
	Model     string        `yaml:"model" mapstructure:"model"`
	MaxTokens int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// LoadConfig 从文件加载配置（使用viper）
// 环境变量前缀ASSIST，如ASSIST_REDIS_ADDR覆盖redis.addr
func LoadConfig(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认配置（在读取配置文件之前，不会覆盖文件中的值）
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 未提供配置文件时使用默认值+环境变量
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, v, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_connections", 1000)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "assist")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("session.ttl", "1h")
	v.SetDefault("session.idle_timeout", "60s")
	v.SetDefault("session.handshake_timeout", "10s")

	v.SetDefault("backend.url", "http://localhost:8500/v1/completions")
	v.SetDefault("backend.model", "open-llama-3b")
	v.SetDefault("backend.max_tokens", 140)
	v.SetDefault("backend.timeout", "60s")
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr不能为空")
	}
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret不能为空")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl必须为正")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout必须为正")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url不能为空")
	}
	return nil
}
