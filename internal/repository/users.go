package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

func (s *SQLiteDB) AddUser(ctx context.Context, u *models.AuthorizedUser) error {
	u.ID = uuid.NewString()
	u.CreatedAt = s.now().UTC()
	u.IsActive = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_users (id, name, image_url, created_at, is_active)
		VALUES (?, ?, ?, ?, 1)`,
		u.ID, u.Name, u.ImageURL, toUnix(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("error inserting user: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetUser(ctx context.Context, id string) (*models.AuthorizedUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, image_url, created_at, is_active FROM authorized_users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading user: %w", err)
	}
	return u, nil
}

func (s *SQLiteDB) ListUsers(ctx context.Context, activeOnly bool) ([]models.AuthorizedUser, error) {
	query := `SELECT id, name, image_url, created_at, is_active FROM authorized_users`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing users: %w", err)
	}
	defer rows.Close()

	users := make([]models.AuthorizedUser, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeactivateUser is a soft delete. Deactivating an inactive user succeeds.
func (s *SQLiteDB) DeactivateUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE authorized_users SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deactivating user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error deactivating user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanUser(r rowScanner) (*models.AuthorizedUser, error) {
	var (
		u         models.AuthorizedUser
		createdAt int64
		active    int
	)
	if err := r.Scan(&u.ID, &u.Name, &u.ImageURL, &createdAt, &active); err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnix(createdAt)
	u.IsActive = active != 0
	return &u, nil
}
