package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-lab-alerts/internal/feed"
	"github.com/mr1hm/go-lab-alerts/internal/models"
)

const sseKeepAlive = 15 * time.Second

type feedMessage struct {
	Alerts      []models.Alert `json:"alerts"`
	Error       string         `json:"error,omitempty"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

func toMessage(v feed.View) feedMessage {
	msg := feedMessage{Alerts: v.Alerts, RefreshedAt: v.RefreshedAt}
	if v.Err != nil {
		msg.Error = "refresh failed"
	}
	if msg.Alerts == nil {
		msg.Alerts = []models.Alert{}
	}
	return msg
}

// latest replaces whatever is pending in ch with v. ch must have capacity 1
// and a single producer.
func latest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (h *Handler) streamAlerts(c *gin.Context) {
	views := make(chan feed.View, 1)
	unsubscribe, err := h.Feed.Subscribe(func(v feed.View) { latest(views, v) })
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed unavailable"})
		return
	}
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	slog.Debug("sse client connected", "remote", c.ClientIP())
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.Feed.Done():
			return false
		case v := <-views:
			c.SSEvent("alerts", toMessage(v))
			return true
		case t := <-ticker.C:
			c.SSEvent("ping", t.UTC().Format(time.RFC3339))
			return true
		}
	})
	slog.Debug("sse client disconnected", "remote", c.ClientIP())
}

func (h *Handler) alertsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	unsubscribe, err := h.Feed.Subscribe(func(v feed.View) {
		raw, err := json.Marshal(toMessage(v))
		if err != nil {
			slog.Error("failed to encode feed view", "error", err)
			return
		}
		latest(client.send, raw)
	})
	if err != nil {
		conn.Close()
		return
	}
	defer unsubscribe()

	slog.Debug("websocket client connected", "remote", conn.RemoteAddr().String())
	client.run(h.Feed.Done())
	slog.Debug("websocket client disconnected", "remote", conn.RemoteAddr().String())
}
