package models

import (
	"fmt"
	"time"
)

// DeliveryReport summarizes one broadcast. Partial delivery is a valid
// terminal outcome.
type DeliveryReport struct {
	AlertID   string          `json:"alert_id"`
	Attempted int             `json:"attempted"`
	Succeeded int             `json:"succeeded"`
	Failures  []DeliveryError `json:"failures,omitempty"`
}

func (r DeliveryReport) Failed() int {
	return r.Attempted - r.Succeeded
}

// DeliveryRecord is one audited push attempt.
type DeliveryRecord struct {
	ID          int64         `json:"id"`
	AlertID     string        `json:"alert_id"`
	DeviceName  string        `json:"device_name"`
	Address     string        `json:"address"`
	Success     bool          `json:"success"`
	StatusCode  int           `json:"status_code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	AttemptedAt time.Time     `json:"attempted_at"`
}

// PushPayload is the body POSTed to every receiver.
type PushPayload struct {
	Type       string   `json:"type"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Timestamp  string   `json:"timestamp"` // RFC3339
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
}

func NewPushPayload(a *Alert) PushPayload {
	msg := a.Details
	if msg == "" {
		person := a.DetectedPerson
		if person == "" {
			person = UnknownPerson
		}
		msg = fmt.Sprintf("%s alert from %s: %s", a.AlertType, a.SourceDevice, person)
	}
	return PushPayload{
		Type:       a.AlertType,
		Severity:   a.Severity,
		Message:    msg,
		Timestamp:  a.CreatedAt.UTC().Format(time.RFC3339),
		Confidence: a.ConfidenceScore,
		Source:     a.SourceDevice,
	}
}
