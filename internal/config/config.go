package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// 存储驱动。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// 回复生成服务。
const (
	ProviderEcho     = "echo"
	ProviderArk      = "ark"
	ProviderLangflow = "langflow"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Auth       AuthConfig
	Completion CompletionConfig
	Ark        ArkConfig
	Langflow   LangflowConfig
	RateLimit  RateLimitConfig
	WebSocket  WebSocketConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	Addr        string   `env:"-"`
}

type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Development bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

type StorageConfig struct {
	Driver      string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"chat.db"`
	DatabaseURL string `env:"DATABASE_URL"`
}

type AuthConfig struct {
	// Disabled 时直接信任 X-User-ID 头，仅用于本地开发。
	Disabled  bool          `env:"AUTH_DISABLED" envDefault:"false"`
	JWTSecret string        `env:"JWT_SECRET"`
	Issuer    string        `env:"JWT_ISSUER" envDefault:"chatrelay"`
	AccessTTL time.Duration `env:"JWT_ACCESS_TTL" envDefault:"24h"`
}

// CompletionConfig 选择回复生成服务并设置调度器规模。
type CompletionConfig struct {
	Provider  string        `env:"COMPLETION_PROVIDER" envDefault:"echo"`
	Timeout   time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"60s"`
	Workers   int           `env:"DISPATCH_WORKERS" envDefault:"8"`
	QueueSize int           `env:"DISPATCH_QUEUE_SIZE" envDefault:"256"`
}

type LangflowConfig struct {
	URL              string `env:"LANGFLOW_URL"`
	APIKey           string `env:"LANGFLOW_API_KEY"`
	InputComponent   string `env:"LANGFLOW_INPUT_COMPONENT" envDefault:"ChatInput"`
	SessionComponent string `env:"LANGFLOW_SESSION_COMPONENT" envDefault:"TextInput"`
}

// ArkConfig 描述大模型相关配置。
type ArkConfig struct {
	APIKey       string   `env:"ARK_API_KEY"`
	AccessKey    string   `env:"ARK_ACCESS_KEY"`
	SecretKey    string   `env:"ARK_SECRET_KEY"`
	Model        string   `env:"ARK_MODEL"`
	BaseURL      string   `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region       string   `env:"ARK_REGION" envDefault:"cn-beijing"`
	SystemPrompt string   `env:"ARK_SYSTEM_PROMPT"`
	HistoryLimit int      `env:"ARK_HISTORY_LIMIT" envDefault:"10"`
	Temperature  *float64 `env:"-"`
	TopP         *float64 `env:"-"`
	MaxTokens    *int     `env:"-"`
}

type RateLimitConfig struct {
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	SendLimit     int           `env:"SEND_RATE_LIMIT" envDefault:"30"`
	SendWindow    time.Duration `env:"SEND_RATE_WINDOW" envDefault:"1m"`
}

type WebSocketConfig struct {
	SendBuffer      int           `env:"WS_SEND_BUFFER" envDefault:"64"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"54s"`
	PongWait        time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	MaxMessageBytes int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"16384"`
}

// Load 从环境变量加载并校验配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	addr, err := normalizeAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := loadArkTuning(&cfg.Ark); err != nil {
		return nil, err
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Completion.Provider = strings.ToLower(strings.TrimSpace(cfg.Completion.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 一次性报告所有缺失或矛盾的配置项。
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}

	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required unless AUTH_DISABLED is set"))
	}

	switch c.Completion.Provider {
	case ProviderEcho:
	case ProviderArk:
		if !c.Ark.Enabled() {
			errs = append(errs, errors.New("ark provider needs ARK_MODEL and ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY"))
		}
	case ProviderLangflow:
		if strings.TrimSpace(c.Langflow.URL) == "" {
			errs = append(errs, errors.New("LANGFLOW_URL is required for the langflow provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown COMPLETION_PROVIDER %q", c.Completion.Provider))
	}
	if c.Completion.Timeout <= 0 {
		errs = append(errs, errors.New("COMPLETION_TIMEOUT must be positive"))
	}
	if c.Completion.Workers <= 0 || c.Completion.QueueSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS and DISPATCH_QUEUE_SIZE must be positive"))
	}

	if c.RateLimit.SendLimit <= 0 || c.RateLimit.SendWindow <= 0 {
		errs = append(errs, errors.New("SEND_RATE_LIMIT and SEND_RATE_WINDOW must be positive"))
	}

	if c.WebSocket.SendBuffer <= 0 || c.WebSocket.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER and WS_MAX_MESSAGE_BYTES must be positive"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be positive and shorter than WS_PONG_WAIT"))
	}

	return errors.Join(errs...)
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_MODEL and ARK_API_KEY or the AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

// loadArkTuning 读取可选的采样参数，未设置时沿用模型默认值。
func loadArkTuning(c *ArkConfig) error {
	var err error
	if c.Temperature, err = parseOptionalFloatEnv("ARK_TEMPERATURE"); err != nil {
		return err
	}
	if c.TopP, err = parseOptionalFloatEnv("ARK_TOP_P"); err != nil {
		return err
	}
	if c.MaxTokens, err = parseOptionalIntEnv("ARK_MAX_TOKENS"); err != nil {
		return err
	}
	return nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
