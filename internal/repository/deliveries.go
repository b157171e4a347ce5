package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

func (s *SQLiteDB) AddDelivery(ctx context.Context, r *models.DeliveryRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (alert_id, device_name, address, success, status_code, error, duration_ns, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AlertID, r.DeviceName, r.Address, boolToInt(r.Success), r.StatusCode, r.Error,
		int64(r.Duration), toUnix(r.AttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("error inserting delivery: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

func (s *SQLiteDB) ListDeliveries(ctx context.Context, alertID string) ([]models.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, device_name, address, success, status_code, error, duration_ns, attempted_at
		FROM deliveries WHERE alert_id = ? ORDER BY attempted_at, id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("error listing deliveries: %w", err)
	}
	defer rows.Close()

	records := make([]models.DeliveryRecord, 0)
	for rows.Next() {
		var (
			r           models.DeliveryRecord
			success     int
			durationNs  int64
			attemptedAt int64
		)
		if err := rows.Scan(&r.ID, &r.AlertID, &r.DeviceName, &r.Address, &success, &r.StatusCode,
			&r.Error, &durationNs, &attemptedAt); err != nil {
			return nil, fmt.Errorf("error scanning delivery: %w", err)
		}
		r.Success = success != 0
		r.Duration = time.Duration(durationNs)
		r.AttemptedAt = fromUnix(attemptedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
