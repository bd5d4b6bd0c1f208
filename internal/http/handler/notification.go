package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"basegraph.app/livesync/internal/http/dto"
	"basegraph.app/livesync/internal/model"
)

// NotificationHub fans delivered notifications out to local stream
// subscribers. A subscriber that falls behind by more than its buffer
// misses events rather than stalling the notification channel.
type NotificationHub struct {
	buffer int

	mu   sync.Mutex
	subs map[int]chan model.NotificationEvent
	next int
}

func NewNotificationHub(buffer int) *NotificationHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &NotificationHub{buffer: buffer, subs: make(map[int]chan model.NotificationEvent)}
}

// Publish has the notify observer signature.
func (h *NotificationHub) Publish(ctx context.Context, evt model.NotificationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			slog.WarnContext(ctx, "notification stream subscriber lagging, event dropped",
				"subscriber", id,
				"kind", evt.Kind)
		}
	}
}

func (h *NotificationHub) Subscribe() (<-chan model.NotificationEvent, func()) {
	ch := make(chan model.NotificationEvent, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *NotificationHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type NotificationHandler struct {
	hub       *NotificationHub
	keepAlive time.Duration
}

func NewNotificationHandler(hub *NotificationHub, keepAlive time.Duration) *NotificationHandler {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &NotificationHandler{hub: hub, keepAlive: keepAlive}
}

// Stream re-streams notifications as server-sent events. Optional kind and
// contact_id query parameters narrow the stream.
func (h *NotificationHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	kind := model.NotificationKind(c.Query("kind"))
	if kind != "" && kind != model.NotificationNewMessage && kind != model.NotificationConvUpdated {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}
	contactID := c.Query("contact_id")

	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Render(-1, sse.Event{Event: "ping", Data: "ready"})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if kind != "" && evt.Kind != kind {
				continue
			}
			if contactID != "" && evt.ContactID() != contactID {
				continue
			}
			c.Render(-1, sse.Event{
				Id:    evt.ID,
				Event: string(evt.Kind),
				Data:  dto.ToNotificationResponse(evt),
			})
			c.Writer.Flush()
		case t := <-ticker.C:
			c.Render(-1, sse.Event{Event: "ping", Data: t.UTC().Format(time.RFC3339Nano)})
			c.Writer.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}
