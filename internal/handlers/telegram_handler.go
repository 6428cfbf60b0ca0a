package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"fmsdesk/pkg/telegram"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxUpdateBytes = 1 << 20

// UpdateHandler 处理一条 Telegram 更新
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update *telegram.Update)
}

// TelegramHandler receives Bot API webhook deliveries for the executor bot.
type TelegramHandler struct {
	bot        UpdateHandler
	configured bool
	logger     *logrus.Logger
}

// NewTelegramHandler configured 为 false（缺少 bot token）时所有请求返回 500
func NewTelegramHandler(bot UpdateHandler, configured bool, logger *logrus.Logger) *TelegramHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TelegramHandler{bot: bot, configured: configured, logger: logger}
}

// Webhook 200 {"success":true} 表示已处理或有意忽略；400 表示无法识别的请求体
func (h *TelegramHandler) Webhook(c *gin.Context) {
	if !h.configured || h.bot == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Bot not configured",
			Message: "TELEGRAM_BOT_TOKEN is not set",
		})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpdateBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil || !isUpdateShape(shape) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "unrecognized update payload"})
		return
	}

	var update telegram.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	h.bot.HandleUpdate(c.Request.Context(), &update)
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func isUpdateShape(m map[string]json.RawMessage) bool {
	for _, key := range []string{"update_id", "message", "callback_query"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}
