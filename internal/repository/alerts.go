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

const alertColumns = `id, alert_type, severity, details, source_device, detected_person,
	confidence_score, created_at, acknowledged, acknowledged_at`

func (s *SQLiteDB) CreateAlert(ctx context.Context, a *models.Alert) error {
	a.ID = uuid.NewString()
	a.CreatedAt = s.now().UTC()
	a.Acknowledged = false
	a.AcknowledgedAt = nil

	var confidence sql.NullFloat64
	if a.ConfidenceScore != nil {
		confidence = sql.NullFloat64{Float64: *a.ConfidenceScore, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, alert_type, severity, details, source_device, detected_person,
			confidence_score, created_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		a.ID, a.AlertType, string(a.Severity), a.Details, a.SourceDevice, a.DetectedPerson,
		confidence, toUnix(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("error inserting alert: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading alert: %w", err)
	}
	return a, nil
}

// ListAlerts orders by created_at descending; rows sharing a timestamp are
// ordered by insertion sequence, latest first.
func (s *SQLiteDB) ListAlerts(ctx context.Context, opts AlertFilter) ([]models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if opts.Severity != nil {
		where = append(where, "severity = ?")
		args = append(args, string(*opts.Severity))
	}
	if opts.Acknowledged != nil {
		where = append(where, "acknowledged = ?")
		args = append(args, boolToInt(*opts.Acknowledged))
	}
	if opts.Source != "" {
		where = append(where, "source_device = ?")
		args = append(args, opts.Source)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert only writes when the alert is still unacknowledged, so
// acknowledged_at keeps the first acknowledgment and repeat calls are no-ops.
func (s *SQLiteDB) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*models.Alert, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`,
		toUnix(at), id,
	)
	if err != nil {
		return nil, fmt.Errorf("error acknowledging alert: %w", err)
	}
	return s.GetAlert(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(r rowScanner) (*models.Alert, error) {
	var (
		a            models.Alert
		severity     string
		confidence   sql.NullFloat64
		createdAt    int64
		acknowledged int
		ackAt        sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.AlertType, &severity, &a.Details, &a.SourceDevice, &a.DetectedPerson,
		&confidence, &createdAt, &acknowledged, &ackAt); err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.CreatedAt = fromUnix(createdAt)
	a.Acknowledged = acknowledged != 0
	if confidence.Valid {
		c := confidence.Float64
		a.ConfidenceScore = &c
	}
	if ackAt.Valid {
		t := fromUnix(ackAt.Int64)
		a.AcknowledgedAt = &t
	}
	return &a, nil
}
