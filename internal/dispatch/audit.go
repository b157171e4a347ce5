package dispatch

import (
	"context"
	"log/slog"

	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
	"github.com/mr1hm/go-lab-alerts/internal/worker"
)

// Auditor persists delivery records off the broadcast path. When the queue
// is full the record is dropped.
type Auditor struct {
	pool *worker.Pool[models.DeliveryRecord]
}

func NewAuditor(repo repository.DeliveryRepository, workers, buffer int) *Auditor {
	process := func(ctx context.Context, rec models.DeliveryRecord) error {
		return repo.AddDelivery(ctx, &rec)
	}
	return &Auditor{pool: worker.NewPool("delivery-audit", workers, buffer, process)}
}

func (a *Auditor) Start(ctx context.Context) { a.pool.Start(ctx) }

func (a *Auditor) Record(rec models.DeliveryRecord) {
	if !a.pool.TrySubmit(rec) {
		slog.Warn("delivery audit queue full, dropping record", "alert_id", rec.AlertID, "device", rec.DeviceName)
	}
}

// Stop drains queued records and waits for the workers.
func (a *Auditor) Stop() { a.pool.Stop() }
