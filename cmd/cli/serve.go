package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fmsdesk/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Run the HTTP server with optional queue poller and session sweeper",
	Run:     serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) {
	cfg, log := loadConfig()
	if err := cfg.Validate(); err != nil {
		// 缺少凭据时仍然启动，相关端点返回 500
		log.Warnf("Configuration incomplete: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Warnf("DB connect failed, bot and queue endpoints disabled: %v", err)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := handlers.RouterDeps{
		Config: cfg,
		Logger: log,
		Health: handlers.NewHealthHandler(handlers.HealthDeps{
			DB:                 a.db,
			TelegramConfigured: cfg.Telegram.BotToken != "",
			SupabaseConfigured: cfg.Supabase.URL != "",
			Version:            Version,
		}, log),
	}
	// 接口字段只在服务存在时赋值，避免 typed nil
	if a.bot != nil {
		deps.Bot = a.bot
	}
	if a.queue != nil {
		deps.Queue = a.queue
	}
	if a.binder != nil {
		deps.Binder = a.binder
	}
	router := handlers.SetupRouter(deps)

	var wg sync.WaitGroup
	if a.queue != nil && cfg.Webhook.PollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.queue.Run(ctx)
		}()
	}
	if a.sessions != nil && cfg.Sessions.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEvery(ctx, cfg.Sessions.SweepInterval, log, "session sweep", func(ctx context.Context) error {
				_, err := a.sessions.ExpireStale(ctx, cfg.Sessions.SweepBatch)
				return err
			})
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()
	wg.Wait()
	a.Close(shutdownCtx)

	log.Info("Server exited")
}

// runEvery 每隔 interval 执行一次 fn，直到 ctx 结束
func runEvery(ctx context.Context, interval time.Duration, log *logrus.Logger, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Infof("%s started (interval %s)", name, interval)
	for {
		select {
		case <-ctx.Done():
			log.Infof("%s stopped", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Errorf("%s: %v", name, err)
			}
		}
	}
}
