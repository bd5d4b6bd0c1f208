package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/livesync/internal/http/handler"
)

func PresenceRouter(rg *gin.RouterGroup, h *handler.PresenceHandler) {
	rg.GET("/roster", h.Roster)
	rg.GET("/roster/:user_id", h.User)
	rg.GET("/status", h.Status)
}
