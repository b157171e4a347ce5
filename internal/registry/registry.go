package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
)

const DefaultHeartbeatWindow = 45 * time.Second

type Heartbeat struct {
	Name    string            `json:"device_name"`
	Address string            `json:"ip_address"`
	Port    int               `json:"port"`
	Kind    models.DeviceKind `json:"kind"`
}

// Registry tracks receivers. A device counts as online only while its stored
// status is online and its last heartbeat falls inside the window; staleness
// is evaluated on every read.
type Registry struct {
	repo   repository.DeviceRepository
	window time.Duration
	now    func() time.Time
}

func New(repo repository.DeviceRepository, window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	return &Registry{repo: repo, window: window, now: time.Now}
}

func (r *Registry) Window() time.Duration { return r.window }

// Upsert records a heartbeat: the device is created or updated, marked online
// and stamped with the current time.
func (r *Registry) Upsert(ctx context.Context, hb Heartbeat) (*models.Device, error) {
	d, err := r.validate(hb)
	if err != nil {
		return nil, err
	}

	if err := r.repo.UpsertDevice(ctx, d); err != nil {
		return nil, models.Persistence("upsert device", err)
	}
	slog.Debug("device heartbeat", "device", d.Name, "address", d.Address, "port", d.Port)
	return d, nil
}

func (r *Registry) MarkOffline(ctx context.Context, name string) error {
	return r.setStatus(ctx, name, models.DeviceOffline)
}

func (r *Registry) MarkError(ctx context.Context, name string) error {
	return r.setStatus(ctx, name, models.DeviceError)
}

func (r *Registry) setStatus(ctx context.Context, name string, status models.DeviceStatus) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Invalid("device_name", "required")
	}
	if err := r.repo.SetDeviceStatus(ctx, name, status); err != nil {
		return models.Persistence("set device status", err)
	}
	slog.Info("device status changed", "device", name, "status", status)
	return nil
}

func (r *Registry) ListOnline(ctx context.Context) ([]models.Device, error) {
	online := models.DeviceOnline
	since := r.cutoff()
	devices, err := r.repo.ListDevices(ctx, repository.DeviceFilter{Status: &online, SeenSince: &since})
	if err != nil {
		return nil, models.Persistence("list online devices", err)
	}
	return devices, nil
}

// List returns every device with stale online entries reported as offline.
func (r *Registry) List(ctx context.Context) ([]models.Device, error) {
	devices, err := r.repo.ListDevices(ctx, repository.DeviceFilter{})
	if err != nil {
		return nil, models.Persistence("list devices", err)
	}
	cutoff := r.cutoff()
	for i := range devices {
		r.effective(&devices[i], cutoff)
	}
	return devices, nil
}

func (r *Registry) Get(ctx context.Context, name string) (*models.Device, error) {
	d, err := r.repo.GetDevice(ctx, name)
	if err != nil {
		return nil, models.Persistence("get device", err)
	}
	r.effective(d, r.cutoff())
	return d, nil
}

// Sweep persists offline status for devices whose heartbeat has lapsed.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	n, err := r.repo.MarkStaleOffline(ctx, r.cutoff())
	if err != nil {
		return 0, models.Persistence("sweep devices", err)
	}
	if n > 0 {
		slog.Info("marked stale devices offline", "count", n)
	}
	return n, nil
}

func (r *Registry) cutoff() time.Time {
	return r.now().UTC().Add(-r.window)
}

func (r *Registry) effective(d *models.Device, cutoff time.Time) {
	if d.Status == models.DeviceOnline && !d.LastSeen.After(cutoff) {
		d.Status = models.DeviceOffline
	}
}

func (r *Registry) validate(hb Heartbeat) (*models.Device, error) {
	name := strings.TrimSpace(hb.Name)
	if name == "" {
		return nil, models.Invalid("device_name", "required")
	}
	if len(name) > 100 {
		return nil, models.Invalid("device_name", "too long")
	}

	addr := strings.TrimSpace(hb.Address)
	if addr == "" {
		return nil, models.Invalid("ip_address", "required")
	}
	if strings.Contains(addr, "://") || strings.ContainsAny(addr, "/ ") {
		return nil, models.Invalid("ip_address", "must be a bare host without scheme or path")
	}

	kind := hb.Kind
	if kind == "" {
		kind = models.DeviceKindReceiver
	}
	if !kind.Valid() {
		return nil, models.Invalid("kind", "must be esp32 or receiver")
	}

	port := hb.Port
	if port == 0 {
		port = kind.DefaultPort()
	}
	if port < 1 || port > 65535 {
		return nil, models.Invalid("port", "must be between 1 and 65535")
	}

	return &models.Device{
		Name:     name,
		Kind:     kind,
		Address:  addr,
		Port:     port,
		Status:   models.DeviceOnline,
		LastSeen: r.now().UTC(),
	}, nil
}
