package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/livesync/internal/http/dto"
	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/session"
)

type RosterReader interface {
	List() []model.PresenceRecord
	Get(userID string) (model.PresenceRecord, bool)
	Version() uint64
}

type StatusReader interface {
	Status() session.Status
}

type PresenceHandler struct {
	roster  RosterReader
	session StatusReader
}

func NewPresenceHandler(roster RosterReader, session StatusReader) *PresenceHandler {
	return &PresenceHandler{roster: roster, session: session}
}

// Roster lists the known sessions, optionally narrowed by ?status=.
func (h *PresenceHandler) Roster(c *gin.Context) {
	status := model.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	version := h.roster.Version()
	records := h.roster.List()
	if status != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.Status == status {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	c.JSON(http.StatusOK, dto.ToRosterResponse(version, records))
}

func (h *PresenceHandler) User(c *gin.Context) {
	record, ok := h.roster.Get(c.Param("user_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not present"})
		return
	}
	c.JSON(http.StatusOK, dto.ToPresenceUserResponse(record))
}

func (h *PresenceHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, dto.ToSessionStatusResponse(h.session.Status()))
}
