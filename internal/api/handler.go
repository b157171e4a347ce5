package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-lab-alerts/internal/feed"
	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/registry"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
)

type AlertService interface {
	Create(ctx context.Context, in models.NewAlert) (*models.Alert, error)
	List(ctx context.Context, filter repository.AlertFilter) ([]models.Alert, error)
	Get(ctx context.Context, id string) (*models.Alert, error)
	Acknowledge(ctx context.Context, id string) (*models.Alert, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, alert *models.Alert) (*models.DeliveryReport, error)
}

type DeviceRegistry interface {
	Upsert(ctx context.Context, hb registry.Heartbeat) (*models.Device, error)
	MarkOffline(ctx context.Context, name string) error
	ListOnline(ctx context.Context) ([]models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	Get(ctx context.Context, name string) (*models.Device, error)
}

type DeviceClient interface {
	Status(ctx context.Context, d *models.Device) (*models.StatusReport, error)
	Configure(ctx context.Context, d *models.Device, cfg models.DeviceConfig) error
	Reboot(d *models.Device) <-chan struct{}
}

type UserService interface {
	Enroll(ctx context.Context, name, imageURL string) (*models.AuthorizedUser, error)
	Deactivate(ctx context.Context, id string) error
	List(ctx context.Context, activeOnly bool) ([]models.AuthorizedUser, error)
}

type Subscriber interface {
	Subscribe(onChange feed.OnChange) (func(), error)
	Done() <-chan struct{}
}

type Deps struct {
	Alerts     AlertService
	Dispatcher Broadcaster
	Devices    DeviceRegistry
	DeviceAPI  DeviceClient
	Users      UserService
	Deliveries repository.DeliveryRepository
	Feed       Subscriber
}

type Handler struct {
	Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	alerts := r.Group("/api/alerts")
	alerts.POST("", h.createAlert)
	alerts.GET("", h.listAlerts)
	alerts.GET("/stream", h.streamAlerts)
	alerts.GET("/ws", h.alertsWebSocket)
	alerts.GET("/:id", h.getAlert)
	alerts.POST("/:id/acknowledge", h.acknowledgeAlert)
	alerts.POST("/:id/broadcast", h.rebroadcastAlert)
	alerts.GET("/:id/deliveries", h.listDeliveries)

	devices := r.Group("/api/devices")
	devices.POST("/heartbeat", h.heartbeat)
	devices.GET("", h.listDevices)
	devices.POST("/:name/offline", h.markOffline)
	devices.GET("/:name/status", h.deviceStatus)
	devices.POST("/:name/config", h.configureDevice)
	devices.POST("/:name/reboot", h.rebootDevice)

	users := r.Group("/api/users")
	users.POST("", h.enrollUser)
	users.GET("", h.listUsers)
	users.POST("/:id/deactivate", h.deactivateUser)

	r.POST("/api/debug/test-alert", h.createTestAlert)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createAlertRequest struct {
	AlertType       string   `json:"alert_type"`
	Severity        string   `json:"severity"`
	Details         string   `json:"details"`
	SourceDevice    string   `json:"source_device"`
	DetectedPerson  string   `json:"detected_person"`
	ConfidenceScore *float64 `json:"confidence_score"`
}

func (h *Handler) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.createAndBroadcast(c, models.NewAlert{
		AlertType:      req.AlertType,
		Severity:       models.Severity(req.Severity),
		Details:        req.Details,
		SourceDevice:   req.SourceDevice,
		DetectedPerson: req.DetectedPerson,
		Confidence:     req.ConfidenceScore,
	})
}

func (h *Handler) createTestAlert(c *gin.Context) {
	h.createAndBroadcast(c, models.NewAlert{
		AlertType:    "Manual Test",
		Severity:     models.SeverityLow,
		Details:      "Test alert triggered from the dashboard",
		SourceDevice: "dashboard",
	})
}

// createAndBroadcast reports 201 whenever the alert was stored. A broadcast
// that could not start is reported alongside, not as the request's failure.
func (h *Handler) createAndBroadcast(c *gin.Context, in models.NewAlert) {
	alert, err := h.Alerts.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	// pushes outlive a dashboard that hangs up; the per-push timeout bounds them
	resp := gin.H{"alert": alert}
	report, err := h.Dispatcher.Broadcast(context.WithoutCancel(c.Request.Context()), alert)
	if err != nil {
		slog.Error("broadcast failed", "alert_id", alert.ID, "error", err)
		resp["delivery_error"] = "broadcast could not start: receivers unavailable"
	} else {
		resp["delivery"] = report
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) listAlerts(c *gin.Context) {
	filter := repository.AlertFilter{
		Limit: 20, // Default to 20 alerts if limit param not supplied
	}

	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			filter.Limit = lim
		}
	}
	if s := c.Query("severity"); s != "" {
		if sev, ok := models.ParseSeverity(s); ok {
			filter.Severity = &sev
		}
	}
	if a := c.Query("acknowledged"); a != "" {
		if ack, err := strconv.ParseBool(a); err == nil {
			filter.Acknowledged = &ack
		}
	}
	if src := strings.TrimSpace(c.Query("source")); src != "" {
		filter.Source = src
	}

	alerts, err := h.Alerts.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) getAlert(c *gin.Context) {
	alert, err := h.Alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	alert, err := h.Alerts.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) rebroadcastAlert(c *gin.Context) {
	ctx := c.Request.Context()
	alert, err := h.Alerts.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := h.Dispatcher.Broadcast(context.WithoutCancel(ctx), alert)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) listDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.Alerts.Get(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	records, err := h.Deliveries.ListDeliveries(ctx, id)
	if err != nil {
		writeError(c, models.Persistence("list deliveries", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": records})
}

func (h *Handler) heartbeat(c *gin.Context) {
	var hb registry.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if hb.Address == "" {
		// devices that do not know their own LAN address
		hb.Address = c.ClientIP()
	}

	device, err := h.Devices.Upsert(c.Request.Context(), hb)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (h *Handler) listDevices(c *gin.Context) {
	var (
		devices []models.Device
		err     error
	)
	if online, _ := strconv.ParseBool(c.Query("online")); online {
		devices, err = h.Devices.ListOnline(c.Request.Context())
	} else {
		devices, err = h.Devices.List(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (h *Handler) markOffline(c *gin.Context) {
	if err := h.Devices.MarkOffline(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.DeviceOffline)})
}

func (h *Handler) esp32Device(c *gin.Context) (*models.Device, bool) {
	d, err := h.Devices.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if d.Kind != models.DeviceKindESP32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device is not an esp32"})
		return nil, false
	}
	return d, true
}

func (h *Handler) deviceStatus(c *gin.Context) {
	d, ok := h.esp32Device(c)
	if !ok {
		return
	}
	report, err := h.DeviceAPI.Status(c.Request.Context(), d)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "device did not respond"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) configureDevice(c *gin.Context) {
	d, ok := h.esp32Device(c)
	if !ok {
		return
	}
	var cfg models.DeviceConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.DeviceAPI.Configure(c.Request.Context(), d, cfg); err != nil {
		slog.Warn("device configure failed", "device", d.Name, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "device rejected configuration"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) rebootDevice(c *gin.Context) {
	d, ok := h.esp32Device(c)
	if !ok {
		return
	}
	h.DeviceAPI.Reboot(d)
	c.JSON(http.StatusAccepted, gin.H{"status": "reboot requested"})
}

type enrollRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
}

func (h *Handler) enrollUser(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	u, err := h.Users.Enroll(c.Request.Context(), req.Name, req.ImageURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) listUsers(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	users, err := h.Users.List(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (h *Handler) deactivateUser(c *gin.Context) {
	if err := h.Users.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
