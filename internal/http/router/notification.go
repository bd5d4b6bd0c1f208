package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/livesync/internal/http/handler"
)

func NotificationRouter(rg *gin.RouterGroup, h *handler.NotificationHandler) {
	rg.GET("/stream", h.Stream)
}
