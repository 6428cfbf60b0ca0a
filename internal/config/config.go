package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Supabase   SupabaseConfig   `mapstructure:"supabase" yaml:"supabase"`
	Telegram   TelegramConfig   `mapstructure:"telegram" yaml:"telegram"`
	Webhook    WebhookConfig    `mapstructure:"webhook" yaml:"webhook"`
	Sessions   SessionsConfig   `mapstructure:"sessions" yaml:"sessions"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"` // 优先于下面的分项配置
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// SupabaseConfig 指向托管项目的 functions 端点与服务密钥
type SupabaseConfig struct {
	URL             string `mapstructure:"url" yaml:"url"`
	ServiceRoleKey  string `mapstructure:"service_role_key" yaml:"service_role_key"`
	OnboardingToken string `mapstructure:"onboarding_token" yaml:"onboarding_token"` // 为空时回退到 service_role_key
}

type TelegramConfig struct {
	BotToken      string        `mapstructure:"bot_token" yaml:"bot_token"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	WebhookSecret string        `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"` // 0 表示使用 http 客户端默认值
}

type WebhookConfig struct {
	Batch             int           `mapstructure:"batch" yaml:"batch"`
	TimeoutMS         int           `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	BaseBackoffMS     int64         `mapstructure:"base_backoff_ms" yaml:"base_backoff_ms"`
	MaxBackoffMS      int64         `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"` // 0 = 不限次数
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	EnqueueOnActivity bool          `mapstructure:"enqueue_on_activity" yaml:"enqueue_on_activity"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`

	// 按端点熔断；BreakerMaxFailures 为 0 时关闭
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout" yaml:"breaker_reset_timeout"`
}

type SessionsConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch" yaml:"sweep_batch"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool     `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int      `mapstructure:"burst" yaml:"burst"`
	WhitelistIPs      []string `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
}

// envBindings 将托管环境中沿用的变量名映射到配置键
var envBindings = map[string]string{
	"supabase.url":              "SUPABASE_URL",
	"supabase.service_role_key": "SUPABASE_SERVICE_ROLE_KEY",
	"supabase.onboarding_token": "ONBOARDING_CALLBACK_TOKEN",
	"telegram.bot_token":        "TELEGRAM_BOT_TOKEN",
	"telegram.webhook_secret":   "TELEGRAM_WEBHOOK_SECRET",
	"webhook.batch":             "TICKET_ACTIVITY_WEBHOOK_BATCH",
	"webhook.timeout_ms":        "TICKET_ACTIVITY_WEBHOOK_TIMEOUT_MS",
	"webhook.max_backoff_ms":    "TICKET_ACTIVITY_WEBHOOK_MAX_BACKOFF_MS",
	"database.dsn":              "DATABASE_DSN",
	"log.level":                 "LOG_LEVEL",
	"server.port":               "PORT",
}

// BindEnv 注册环境变量绑定；在读取配置文件之前调用
func BindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// Load 读取 .env、config.yml 与环境变量，叠加到默认配置之上
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	BindEnv(viper.GetViper())
	return LoadFrom(viper.GetViper())
}

// LoadFrom 使用给定的 viper 实例解析配置
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate 检查运行所需的关键配置。缺失时服务仍可启动，相关端点返回 500。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		errs = append(errs, errors.New("telegram.bot_token (TELEGRAM_BOT_TOKEN) is not set"))
	}
	if strings.TrimSpace(c.Supabase.URL) == "" {
		errs = append(errs, errors.New("supabase.url (SUPABASE_URL) is not set"))
	}
	if c.Webhook.Batch <= 0 {
		errs = append(errs, errors.New("webhook.batch must be positive"))
	}
	return errors.Join(errs...)
}

// DSN 返回 Postgres 连接串
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		c.Database.Host, c.Database.User, c.Database.Password, c.Database.Name, c.Database.Port, sslMode,
	)
}

func (w WebhookConfig) RequestTimeout() time.Duration {
	return time.Duration(w.TimeoutMS) * time.Millisecond
}

func (w WebhookConfig) BaseBackoff() time.Duration {
	return time.Duration(w.BaseBackoffMS) * time.Millisecond
}

func (w WebhookConfig) MaxBackoff() time.Duration {
	return time.Duration(w.MaxBackoffMS) * time.Millisecond
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "postgres",
			Name:            "fms",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Telegram: TelegramConfig{
			BaseURL: "https://api.telegram.org",
		},
		Webhook: WebhookConfig{
			Batch:             10,
			TimeoutMS:         10000,
			BaseBackoffMS:     30000,
			MaxBackoffMS:      3600000,
			MaxAttempts:       0,
			PollInterval:      0,
			EnqueueOnActivity: true,
			UserAgent:         "FMS-Ticket-Activity/1.0",

			BreakerMaxFailures:  0,
			BreakerResetTimeout: time.Minute,
		},
		Sessions: SessionsConfig{
			TTL:           30 * time.Minute,
			SweepInterval: 0,
			SweepBatch:    100,
		},
		Kafka: KafkaConfig{
			Topic: "ticket-activity",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/fmsdesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "fmsdesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             60,
			},
		},
	}
}

// CallbackToken 返回 onboarding 回调使用的 bearer token
func (s SupabaseConfig) CallbackToken() string {
	if s.OnboardingToken != "" {
		return s.OnboardingToken
	}
	return s.ServiceRoleKey
}
