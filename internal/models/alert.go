package models

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity is case-insensitive and reports false for anything outside
// low/medium/high.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	default:
		return "", false
	}
}

const UnknownPerson = "Unknown"

type Alert struct {
	ID              string     `json:"id"`
	AlertType       string     `json:"alert_type"`
	Severity        Severity   `json:"severity"`
	Details         string     `json:"details,omitempty"`
	SourceDevice    string     `json:"source_device"`
	DetectedPerson  string     `json:"detected_person"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"` // 0-100
	CreatedAt       time.Time  `json:"created_at"`
	Acknowledged    bool       `json:"acknowledged"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

// NewAlert is the producer-side input to the alert store. ID and timestamps
// are always assigned by the store.
type NewAlert struct {
	AlertType      string
	Severity       Severity
	Details        string
	SourceDevice   string
	DetectedPerson string
	Confidence     *float64
}

type ChangeKind string

const (
	ChangeCreated      ChangeKind = "created"
	ChangeAcknowledged ChangeKind = "acknowledged"
)

// AlertChange is what the store announces after a successful write.
type AlertChange struct {
	Kind    ChangeKind `json:"kind"`
	AlertID string     `json:"alert_id"`
	At      time.Time  `json:"at"`
}
