package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one append-only audit record
type AuditEvent struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  string         `json:"tenant_id"`
	UserID    *string        `json:"user_id,omitempty"`
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)
