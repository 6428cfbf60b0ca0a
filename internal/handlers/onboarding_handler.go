package handlers

import (
	"context"
	"errors"
	"net/http"

	"fmsdesk/internal/models"
	"fmsdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TelegramBinder 绑定 Telegram 聊天到待激活账号
type TelegramBinder interface {
	BindTelegram(ctx context.Context, req services.OnboardingCompletion) (*models.User, error)
}

type OnboardingHandler struct {
	binder TelegramBinder
	logger *logrus.Logger
}

func NewOnboardingHandler(binder TelegramBinder, logger *logrus.Logger) *OnboardingHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OnboardingHandler{binder: binder, logger: logger}
}

// Callback 接收 /start <correlationId> 握手完成通知
func (h *OnboardingHandler) Callback(c *gin.Context) {
	var req services.OnboardingCompletion
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if req.Status != "completed" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "status must be completed"})
		return
	}

	user, err := h.binder.BindTelegram(c.Request.Context(), req)
	switch {
	case errors.Is(err, services.ErrCorrelationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
		return
	case err != nil:
		h.logger.WithField("correlation_id", req.CorrelationID).Errorf("bind telegram: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to complete onboarding", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data: gin.H{
			"user_id":         user.ID,
			"telegram_status": user.TelegramStatus,
		},
	})
}
