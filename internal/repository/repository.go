package repository

import (
	"context"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

type AlertFilter struct {
	Limit        int
	Severity     *models.Severity
	Acknowledged *bool
	Source       string
}

type DeviceFilter struct {
	Status    *models.DeviceStatus
	SeenSince *time.Time // last_seen strictly after this instant
}

// AlertRepository assigns ID and CreatedAt on insert; callers never set them.
type AlertRepository interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, opts AlertFilter) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*models.Alert, error)
}

type DeviceRepository interface {
	UpsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, name string) (*models.Device, error)
	ListDevices(ctx context.Context, opts DeviceFilter) ([]models.Device, error)
	SetDeviceStatus(ctx context.Context, name string, status models.DeviceStatus) error
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

type UserRepository interface {
	AddUser(ctx context.Context, u *models.AuthorizedUser) error
	GetUser(ctx context.Context, id string) (*models.AuthorizedUser, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]models.AuthorizedUser, error)
	DeactivateUser(ctx context.Context, id string) error
}

type DeliveryRepository interface {
	AddDelivery(ctx context.Context, r *models.DeliveryRecord) error
	ListDeliveries(ctx context.Context, alertID string) ([]models.DeliveryRecord, error)
}
