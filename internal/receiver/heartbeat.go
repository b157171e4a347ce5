package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/registry"
)

const requestTimeout = 5 * time.Second

// Heartbeater keeps this receiver registered with the hub and marks it
// offline when it stops.
type Heartbeater struct {
	client   *resty.Client
	beat     registry.Heartbeat
	interval time.Duration
	wg       sync.WaitGroup
}

func NewHeartbeater(hubURL string, beat registry.Heartbeat, interval time.Duration) *Heartbeater {
	client := resty.New().
		SetBaseURL(hubURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if beat.Kind == "" {
		beat.Kind = models.DeviceKindReceiver
	}
	return &Heartbeater{client: client, beat: beat, interval: interval}
}

func (h *Heartbeater) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.run(ctx)
}

func (h *Heartbeater) run(ctx context.Context) {
	defer h.wg.Done()
	slog.Info("starting heartbeater", "device", h.beat.Name, "interval", h.interval)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.send(ctx)
	for {
		select {
		case <-ctx.Done():
			h.goOffline()
			return
		case <-ticker.C:
			h.send(ctx)
		}
	}
}

func (h *Heartbeater) send(ctx context.Context) {
	if err := h.Beat(ctx); err != nil {
		slog.Warn("heartbeat failed", "device", h.beat.Name, "error", err)
	}
}

func (h *Heartbeater) Beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(h.beat).
		Post("/api/devices/heartbeat")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("hub returned status %d", resp.StatusCode())
	}
	return nil
}

func (h *Heartbeater) goOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := h.client.R().
		SetContext(ctx).
		Post("/api/devices/" + url.PathEscape(h.beat.Name) + "/offline")
	switch {
	case err != nil:
		slog.Warn("failed to mark receiver offline", "device", h.beat.Name, "error", err)
	case !resp.IsSuccess():
		slog.Warn("hub rejected offline transition", "device", h.beat.Name, "status", resp.StatusCode())
	default:
		slog.Info("receiver marked offline", "device", h.beat.Name)
	}
}

// Stop waits for the final offline call; cancel the Start context first.
func (h *Heartbeater) Stop() {
	h.wg.Wait()
}
