package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

const deviceColumns = `id, name, kind, address, port, status, last_seen, created_at`

// UpsertDevice inserts by name or updates the connection info of an existing
// device. ID and CreatedAt survive updates; d is refreshed from the stored row.
func (s *SQLiteDB) UpsertDevice(ctx context.Context, d *models.Device) error {
	now := s.now().UTC()
	if d.LastSeen.IsZero() {
		d.LastSeen = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, kind, address, port, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			address = excluded.address,
			port = excluded.port,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		uuid.NewString(), d.Name, string(d.Kind), d.Address, d.Port, string(d.Status),
		toUnix(d.LastSeen), toUnix(now),
	)
	if err != nil {
		return fmt.Errorf("error upserting device: %w", err)
	}

	stored, err := s.GetDevice(ctx, d.Name)
	if err != nil {
		return err
	}
	*d = *stored
	return nil
}

func (s *SQLiteDB) GetDevice(ctx context.Context, name string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE name = ?`, name)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading device: %w", err)
	}
	return d, nil
}

func (s *SQLiteDB) ListDevices(ctx context.Context, opts DeviceFilter) ([]models.Device, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	}
	if opts.SeenSince != nil {
		where = append(where, "last_seen > ?")
		args = append(args, toUnix(*opts.SeenSince))
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

func (s *SQLiteDB) SetDeviceStatus(ctx context.Context, name string, status models.DeviceStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET status = ? WHERE name = ?`, string(status), name)
	if err != nil {
		return fmt.Errorf("error updating device status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error updating device status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", name, models.ErrNotFound)
	}
	return nil
}

// MarkStaleOffline flips online devices whose last heartbeat is at or before
// cutoff to offline and returns how many changed.
func (s *SQLiteDB) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?
		WHERE status = ? AND last_seen <= ?`,
		string(models.DeviceOffline), string(models.DeviceOnline), toUnix(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("error marking stale devices: %w", err)
	}
	return res.RowsAffected()
}

func scanDevice(r rowScanner) (*models.Device, error) {
	var (
		d         models.Device
		kind      string
		status    string
		lastSeen  int64
		createdAt int64
	)
	if err := r.Scan(&d.ID, &d.Name, &kind, &d.Address, &d.Port, &status, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	d.Kind = models.DeviceKind(kind)
	d.Status = models.DeviceStatus(status)
	d.LastSeen = fromUnix(lastSeen)
	d.CreatedAt = fromUnix(createdAt)
	return &d, nil
}
