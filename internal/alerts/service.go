package alerts

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
)

const (
	maxTypeLen    = 100
	maxSourceLen  = 100
	maxPersonLen  = 100
	maxDetailsLen = 2000
)

// ChangePublisher receives a change after every successful write.
type ChangePublisher interface {
	Publish(ctx context.Context, change models.AlertChange) error
}

// PublisherFunc adapts a function to ChangePublisher.
type PublisherFunc func(ctx context.Context, change models.AlertChange) error

func (f PublisherFunc) Publish(ctx context.Context, change models.AlertChange) error {
	return f(ctx, change)
}

type Service struct {
	repo      repository.AlertRepository
	publisher ChangePublisher
	now       func() time.Time
}

func NewService(repo repository.AlertRepository, publisher ChangePublisher) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}
}

// Create validates before touching the store. A store failure surfaces as a
// PersistenceError and is never retried here.
func (s *Service) Create(ctx context.Context, in models.NewAlert) (*models.Alert, error) {
	alert, err := buildAlert(in)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateAlert(ctx, alert); err != nil {
		return nil, models.Persistence("create alert", err)
	}

	slog.Info("alert created",
		"alert_id", alert.ID,
		"type", alert.AlertType,
		"severity", alert.Severity,
		"source", alert.SourceDevice,
	)
	s.publish(ctx, models.ChangeCreated, alert.ID)
	return alert, nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]models.Alert, error) {
	return s.List(ctx, repository.AlertFilter{Limit: limit})
}

func (s *Service) List(ctx context.Context, filter repository.AlertFilter) ([]models.Alert, error) {
	if filter.Limit <= 0 {
		return nil, models.Invalid("limit", "must be positive")
	}
	alerts, err := s.repo.ListAlerts(ctx, filter)
	if err != nil {
		return nil, models.Persistence("list alerts", err)
	}
	return alerts, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Alert, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.Invalid("id", "required")
	}
	alert, err := s.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, models.Persistence("get alert", err)
	}
	return alert, nil
}

// Acknowledge is idempotent. Only the first call changes the record; a
// repeat returns the stored state and publishes nothing.
func (s *Service) Acknowledge(ctx context.Context, id string) (*models.Alert, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.Invalid("id", "required")
	}

	at := s.now().UTC()
	alert, err := s.repo.AcknowledgeAlert(ctx, id, at)
	if err != nil {
		return nil, models.Persistence("acknowledge alert", err)
	}

	if alert.AcknowledgedAt != nil && alert.AcknowledgedAt.Equal(at) {
		slog.Info("alert acknowledged", "alert_id", id)
		s.publish(ctx, models.ChangeAcknowledged, id)
	}
	return alert, nil
}

func (s *Service) publish(ctx context.Context, kind models.ChangeKind, id string) {
	if s.publisher == nil {
		return
	}
	change := models.AlertChange{Kind: kind, AlertID: id, At: s.now().UTC()}
	if err := s.publisher.Publish(ctx, change); err != nil {
		// the write already committed; subscribers catch up on the next change
		slog.Warn("failed to publish alert change", "alert_id", id, "kind", kind, "error", err)
	}
}

func buildAlert(in models.NewAlert) (*models.Alert, error) {
	alertType := strings.TrimSpace(in.AlertType)
	if alertType == "" {
		return nil, models.Invalid("alert_type", "required")
	}
	if len(alertType) > maxTypeLen {
		return nil, models.Invalid("alert_type", "too long")
	}

	severity, ok := models.ParseSeverity(string(in.Severity))
	if !ok {
		return nil, models.Invalid("severity", "must be low, medium or high")
	}

	source := strings.TrimSpace(in.SourceDevice)
	if source == "" {
		return nil, models.Invalid("source_device", "required")
	}
	if len(source) > maxSourceLen {
		return nil, models.Invalid("source_device", "too long")
	}

	details := strings.TrimSpace(in.Details)
	if len(details) > maxDetailsLen {
		return nil, models.Invalid("details", "too long")
	}

	person := strings.TrimSpace(in.DetectedPerson)
	if person == "" {
		person = models.UnknownPerson
	}
	if len(person) > maxPersonLen {
		return nil, models.Invalid("detected_person", "too long")
	}

	var confidence *float64
	if in.Confidence != nil {
		c := *in.Confidence
		if math.IsNaN(c) || c < 0 || c > 100 {
			return nil, models.Invalid("confidence_score", "must be between 0 and 100")
		}
		confidence = &c
	}

	return &models.Alert{
		AlertType:       alertType,
		Severity:        severity,
		Details:         details,
		SourceDevice:    source,
		DetectedPerson:  person,
		ConfidenceScore: confidence,
	}, nil
}
