package handlers

import (
	"net/http"

	"fmsdesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics 以 JSON 输出进程内计数器
func Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.Snapshot())
}
