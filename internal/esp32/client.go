package esp32

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

const DefaultTimeout = 5 * time.Second

// ErrorMarker flags a device whose status probe failed.
type ErrorMarker interface {
	MarkError(ctx context.Context, name string) error
}

// Client talks to the HTTP endpoints exposed by hardware receivers.
type Client struct {
	http    *resty.Client
	timeout time.Duration
	marker  ErrorMarker
}

func NewClient(timeout time.Duration, marker ErrorMarker) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	http := resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "lab-alerts-devices")
	return &Client{http: http, timeout: timeout, marker: marker}
}

func baseURL(d *models.Device) string {
	return "http://" + net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// Status probes GET /status. Any failure flags the device as error.
func (c *Client) Status(ctx context.Context, d *models.Device) (*models.StatusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var report models.StatusReport
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&report).
		Get(baseURL(d) + "/status")

	if err == nil && !resp.IsSuccess() {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	if err != nil {
		slog.Warn("device status probe failed", "device", d.Name, "error", err)
		if c.marker != nil {
			if merr := c.marker.MarkError(context.WithoutCancel(ctx), d.Name); merr != nil {
				slog.Error("failed to flag device", "device", d.Name, "error", merr)
			}
		}
		return nil, fmt.Errorf("status probe %s: %w", d.Name, err)
	}
	return &report, nil
}

func (c *Client) Configure(ctx context.Context, d *models.Device, cfg models.DeviceConfig) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(cfg).
		Post(baseURL(d) + "/config")
	if err != nil {
		return fmt.Errorf("configure %s: %w", d.Name, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("configure %s: unexpected status %d", d.Name, resp.StatusCode())
	}
	slog.Info("device configured", "device", d.Name,
		"buzzer", cfg.BuzzerEnabled, "lcd", cfg.LCDEnabled, "ir_sensor", cfg.IRSensorEnabled)
	return nil
}

// Reboot is fire-and-forget: the request runs in the background and its
// outcome is only logged. The returned channel closes when it finishes.
func (c *Client) Reboot(d *models.Device) <-chan struct{} {
	done := make(chan struct{})
	name, url := d.Name, baseURL(d)+"/reboot"

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		resp, err := c.http.R().SetContext(ctx).Post(url)
		switch {
		case err != nil:
			// devices often drop the connection while restarting
			slog.Info("reboot request ended without response", "device", name, "error", err)
		case !resp.IsSuccess():
			slog.Warn("reboot rejected", "device", name, "status", resp.StatusCode())
		default:
			slog.Info("reboot requested", "device", name)
		}
	}()
	return done
}
