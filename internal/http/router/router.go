package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/livesync/internal/http/handler"
)

type RouterConfig struct {
	Roster          handler.RosterReader
	Session         handler.StatusReader
	Hub             *handler.NotificationHub
	StreamKeepAlive time.Duration
}

func SetupRoutes(router *gin.Engine, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		presenceHandler := handler.NewPresenceHandler(cfg.Roster, cfg.Session)
		PresenceRouter(v1.Group("/presence"), presenceHandler)

		notificationHandler := handler.NewNotificationHandler(cfg.Hub, cfg.StreamKeepAlive)
		NotificationRouter(v1.Group("/notifications"), notificationHandler)
	}
}
