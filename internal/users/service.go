package users

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
)

const maxNameLen = 100

type Service struct {
	repo repository.UserRepository
}

func NewService(repo repository.UserRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Enroll(ctx context.Context, name, imageURL string) (*models.AuthorizedUser, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.Invalid("name", "required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return nil, models.Invalid("name", "must be at most 100 characters")
	}

	imageURL = strings.TrimSpace(imageURL)
	if imageURL != "" {
		u, err := url.Parse(imageURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, models.Invalid("image_url", "must be an absolute http or https URL")
		}
	}

	u := &models.AuthorizedUser{Name: name, ImageURL: imageURL}
	if err := s.repo.AddUser(ctx, u); err != nil {
		return nil, models.Persistence("enroll user", err)
	}
	slog.Info("user enrolled", "user_id", u.ID, "name", u.Name)
	return u, nil
}

// Deactivate is a soft delete; repeating it is harmless.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return models.Invalid("id", "required")
	}
	if err := s.repo.DeactivateUser(ctx, id); err != nil {
		return models.Persistence("deactivate user", err)
	}
	slog.Info("user deactivated", "user_id", id)
	return nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]models.AuthorizedUser, error) {
	users, err := s.repo.ListUsers(ctx, activeOnly)
	if err != nil {
		return nil, models.Persistence("list users", err)
	}
	return users, nil
}
