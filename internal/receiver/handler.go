package receiver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

type Handler struct {
	name    string
	history *History
}

func NewHandler(name string, history *History) *Handler {
	return &Handler{name: name, history: history}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.POST("/alert", h.receive)
	r.GET("/alerts", h.list)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "receiver": h.name})
}

func (h *Handler) receive(c *gin.Context) {
	var p models.PushPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert body"})
		return
	}
	if p.Type == "" || p.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type and message are required"})
		return
	}
	sev, ok := models.ParseSeverity(string(p.Severity))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid severity"})
		return
	}
	p.Severity = sev
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC3339"})
		return
	}

	h.history.Add(Received{PushPayload: p, ReceivedAt: time.Now().UTC()})

	// stands in for the buzzer/LCD on hardware receivers
	slog.Warn("ALERT",
		"type", p.Type,
		"severity", p.Severity,
		"message", p.Message,
		"source", p.Source,
	)
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *Handler) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": h.history.Recent()})
}
