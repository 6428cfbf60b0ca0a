package cli

import (
	"context"
	"fmt"

	"fmsdesk/internal/config"
	"fmsdesk/internal/events"
	"fmsdesk/internal/observability"
	"fmsdesk/internal/services"
	"fmsdesk/pkg/telegram"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// app 聚合一次进程运行所需的依赖
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *gorm.DB
	tickets   *services.TicketStore
	sessions  *services.SessionStore
	queue     *services.WebhookQueue
	bot       *services.ExecutorBot
	binder    *services.OnboardingService
	publisher *events.KafkaPublisher
	shutdown  func(context.Context) error
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, *logrus.Logger) {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	return cfg, logrus.StandardLogger()
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// GORM OTel 插件
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing plugin: %w", err)
		}
	}
	return db, nil
}

// newApp 连接数据库并装配服务；数据库不可用时返回错误
func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log, shutdown: func(context.Context) error { return nil }}

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(ctx, cfg.Monitoring.Tracing); err == nil {
		a.shutdown = shutdown
	} else {
		log.Warnf("init tracing: %v", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return a, err
	}
	a.db = db
	a.wire()
	return a, nil
}

func (a *app) wire() {
	cfg, log := a.cfg, a.logger

	brokers := cfg.Kafka.Brokers
	if len(brokers) == 1 {
		brokers = events.ParseBrokers(brokers[0])
	}
	a.publisher = events.NewKafkaPublisher(brokers, cfg.Kafka.Topic, log)

	a.tickets = services.NewTicketStore(a.db, log)
	a.tickets.SetEnqueueOnActivity(cfg.Webhook.EnqueueOnActivity)
	a.sessions = services.NewSessionStore(a.db, log)
	a.binder = services.NewOnboardingService(a.db, log)

	var sender services.WebhookSender = services.NewHTTPWebhookSender(cfg.Webhook.RequestTimeout(), cfg.Webhook.UserAgent)
	if cfg.Webhook.BreakerMaxFailures > 0 {
		sender = services.NewBreakerSender(sender, &services.CircuitBreakerConfig{
			MaxFailures:     cfg.Webhook.BreakerMaxFailures,
			ResetTimeout:    cfg.Webhook.BreakerResetTimeout,
			HalfOpenMaxReqs: 1,
		})
	}
	a.queue = services.NewWebhookQueue(a.db, sender, services.WebhookQueueConfig{
		Batch:          cfg.Webhook.Batch,
		RequestTimeout: cfg.Webhook.RequestTimeout(),
		BaseBackoff:    cfg.Webhook.BaseBackoff(),
		MaxBackoff:     cfg.Webhook.MaxBackoff(),
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		PollInterval:   cfg.Webhook.PollInterval,
	}, log)

	client := telegram.NewClient(&telegram.Config{
		BaseURL: cfg.Telegram.BaseURL,
		Token:   cfg.Telegram.BotToken,
		Timeout: cfg.Telegram.Timeout,
	}, log)
	onboarding := services.NewOnboardingClient(cfg.Supabase.URL, cfg.Supabase.CallbackToken(), log)
	a.bot = services.NewExecutorBot(
		client,
		services.NewExecutorDirectory(a.db, log),
		a.tickets,
		a.sessions,
		onboarding,
		a.publisher,
		services.ExecutorBotConfig{SessionTTL: cfg.Sessions.TTL},
		log,
	)
}

func (a *app) Close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warnf("close kafka publisher: %v", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warnf("shutdown tracing: %v", err)
	}
}

// mustApp 供一次性命令使用：数据库不可用直接退出
func mustApp(ctx context.Context) *app {
	cfg, log := loadConfig()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return a
}
