package handlers

import (
	"context"
	"net/http"

	"fmsdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// QueueProcessor 执行一次队列处理
type QueueProcessor interface {
	ProcessPending(ctx context.Context) (services.ProcessResult, error)
}

type QueueHandler struct {
	processor QueueProcessor
	logger    *logrus.Logger
}

func NewQueueHandler(processor QueueProcessor, logger *logrus.Logger) *QueueHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QueueHandler{processor: processor, logger: logger}
}

// Trigger runs one processing pass per POST. OPTIONS is answered for CORS
// preflight and every other method gets 405.
func (h *QueueHandler) Trigger(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodOptions:
		c.Status(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		c.Header("Allow", "POST, OPTIONS")
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed", Message: c.Request.Method})
		return
	}

	if h.processor == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Queue not configured", Message: "database is not available"})
		return
	}

	result, err := h.processor.ProcessPending(c.Request.Context())
	if err != nil {
		h.logger.Errorf("webhook queue pass failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Queue processing failed", Message: err.Error()})
		return
	}
	if result.Processed == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No pending entries"})
		return
	}
	c.JSON(http.StatusOK, result)
}
