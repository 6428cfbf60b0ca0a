package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"fmsdesk/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthDeps 健康检查依赖；DB 为 nil 时数据库视为不可用
type HealthDeps struct {
	DB                 *gorm.DB
	TelegramConfigured bool
	SupabaseConfigured bool
	Version            string
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	deps   HealthDeps
	logger *logrus.Logger
}

func NewHealthHandler(deps HealthDeps, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &HealthHandler{deps: deps, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 数据库不可用为 unhealthy (503)；外部配置缺失只算 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.deps.Version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	resp.Services["database"] = db
	if db.Status == "healthy" {
		resp.Services["webhook_queue"] = h.checkQueue(ctx)
	}
	resp.Services["telegram"] = configuredInfo(h.deps.TelegramConfigured)
	resp.Services["supabase"] = configuredInfo(h.deps.SupabaseConfigured)

	switch {
	case db.Status != "healthy":
		resp.Status = "unhealthy"
	case !h.deps.TelegramConfigured || !h.deps.SupabaseConfigured:
		resp.Status = "degraded"
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Ready 就绪检查，只看数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  gin.H{"database": db.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	if h.deps.DB == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	start := time.Now()
	sqlDB, err := h.deps.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		h.logger.Warnf("database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	return info
}

// checkQueue 报告各状态的积压数量；查询失败不影响整体状态
func (h *HealthHandler) checkQueue(ctx context.Context) ServiceInfo {
	type row struct {
		Status models.QueueStatus
		Count  int64
	}
	var rows []row
	err := h.deps.DB.WithContext(ctx).
		Model(&models.WebhookQueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return ServiceInfo{Status: "unknown", Error: err.Error()}
	}
	backlog := make(map[string]int64, len(rows))
	for _, r := range rows {
		backlog[string(r.Status)] = r.Count
	}
	return ServiceInfo{Status: "healthy", Details: backlog}
}

func configuredInfo(ok bool) ServiceInfo {
	if ok {
		return ServiceInfo{Status: "configured"}
	}
	return ServiceInfo{Status: "not_configured"}
}
