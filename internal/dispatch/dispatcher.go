package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

const (
	DefaultTimeout        = 4 * time.Second
	DefaultAlertPath      = "/alert"
	DefaultMaxConcurrency = 32
)

// OnlineLister is the registry view the dispatcher reads on every broadcast.
type OnlineLister interface {
	ListOnline(ctx context.Context) ([]models.Device, error)
}

// Recorder receives every push outcome. Implementations must not block.
type Recorder interface {
	Record(rec models.DeliveryRecord)
}

type Options struct {
	Timeout        time.Duration
	AlertPath      string
	MaxConcurrency int
}

type Dispatcher struct {
	client   *resty.Client
	devices  OnlineLister
	recorder Recorder
	opts     Options
	now      func() time.Time
}

func New(devices OnlineLister, opts Options, recorder Recorder) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.AlertPath == "" {
		opts.AlertPath = DefaultAlertPath
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "lab-alerts-dispatcher")

	return &Dispatcher{
		client:   client,
		devices:  devices,
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
	}
}

// Broadcast pushes alert to every online receiver once. Only a registry read
// failure is returned as an error; per-receiver failures land in the report.
func (d *Dispatcher) Broadcast(ctx context.Context, alert *models.Alert) (*models.DeliveryReport, error) {
	devices, err := d.devices.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading online devices: %w", err)
	}

	payload := models.NewPushPayload(alert)
	results := make([]*models.DeliveryError, len(devices))

	if len(devices) > d.opts.MaxConcurrency {
		slog.Warn("broadcast pushes queued behind concurrency limit",
			"alert_id", alert.ID,
			"receivers", len(devices),
			"limit", d.opts.MaxConcurrency,
			"queued", len(devices)-d.opts.MaxConcurrency,
		)
	}

	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrency)
	for i := range devices {
		dev := devices[i]
		g.Go(func() error {
			results[i] = d.push(ctx, alert.ID, dev, payload)
			return nil
		})
	}
	_ = g.Wait()

	report := &models.DeliveryReport{AlertID: alert.ID, Attempted: len(devices)}
	for _, failure := range results {
		if failure == nil {
			report.Succeeded++
			continue
		}
		report.Failures = append(report.Failures, *failure)
	}

	slog.Info("alert broadcast",
		"alert_id", alert.ID,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed(),
	)
	return report, nil
}

func (d *Dispatcher) push(ctx context.Context, alertID string, dev models.Device, payload models.PushPayload) *models.DeliveryError {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	addr := net.JoinHostPort(dev.Address, strconv.Itoa(dev.Port))
	url := "http://" + addr + d.opts.AlertPath
	start := d.now()

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)

	var derr *models.DeliveryError
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", d.opts.Timeout)
		}
		derr = &models.DeliveryError{Device: dev.Name, Address: addr, Err: err}
	case !resp.IsSuccess():
		derr = &models.DeliveryError{Device: dev.Name, Address: addr, StatusCode: resp.StatusCode()}
	}

	rec := models.DeliveryRecord{
		AlertID:     alertID,
		DeviceName:  dev.Name,
		Address:     addr,
		Success:     derr == nil,
		Duration:    d.now().Sub(start),
		AttemptedAt: start.UTC(),
	}
	if resp != nil {
		rec.StatusCode = resp.StatusCode()
	}
	if derr != nil {
		rec.Error = derr.Error()
		slog.Warn("alert push failed", "alert_id", alertID, "device", dev.Name, "address", addr, "error", derr)
	}
	if d.recorder != nil {
		d.recorder.Record(rec)
	}
	return derr
}
