package handlers

import (
	"fmsdesk/internal/config"
	"fmsdesk/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	PathExecutorTelegram   = "/functions/v1/executor-telegram"
	PathTicketActivityHook = "/functions/v1/ticket-activity-webhook"
	PathOnboardingCallback = "/functions/v1/user-onboarding-callback"
)

// RouterDeps 路由所需的处理器依赖；Bot 或 Queue 为 nil 时对应端点返回 500
type RouterDeps struct {
	Config *config.Config
	Bot    UpdateHandler
	Queue  QueueProcessor
	Binder TelegramBinder
	Health *HealthHandler
	Logger *logrus.Logger
}

// SetupRouter 构建 gin 引擎：中间件、Telegram webhook、队列触发、回调、健康与指标
func SetupRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := deps.Health
	if health == nil {
		health = NewHealthHandler(HealthDeps{}, logger)
	}
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, Metrics)
	}

	tg := NewTelegramHandler(deps.Bot, cfg.Telegram.BotToken != "", logger)
	router.POST(PathExecutorTelegram, middleware.TelegramSecretMiddleware(cfg.Telegram.WebhookSecret), tg.Webhook)

	queue := NewQueueHandler(deps.Queue, logger)
	router.Any(PathTicketActivityHook, queue.Trigger)

	if deps.Binder != nil {
		onboarding := NewOnboardingHandler(deps.Binder, logger)
		router.POST(PathOnboardingCallback, middleware.BearerAuthMiddleware(cfg.Supabase.CallbackToken()), onboarding.Callback)
	}

	return router
}
