package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingAction is a risk-gated action waiting for, or already given, a human decision
type PendingAction struct {
	ID                    uuid.UUID      `json:"id"`
	TenantID              string         `json:"tenant_id"`
	UserID                *string        `json:"user_id,omitempty"`
	RiskLevel             RiskLevel      `json:"risk_level"`
	ActionType            string         `json:"action_type"`
	Payload               map[string]any `json:"payload"`
	Status                ActionStatus   `json:"status"`
	ConfirmationTokenHash *string        `json:"-"`
	CreatedAt             time.Time      `json:"created_at"`
	DecidedAt             *time.Time     `json:"decided_at,omitempty"`
}

// RiskLevel is the three-tier risk model shared by payload policies and actions
type RiskLevel string

const (
	RiskGreen  RiskLevel = "GREEN"
	RiskYellow RiskLevel = "YELLOW"
	RiskRed    RiskLevel = "RED"
)

// Valid reports whether r is one of the known tiers.
func (r RiskLevel) Valid() bool {
	return r == RiskGreen || r == RiskYellow || r == RiskRed
}

// ActionStatus represents the lifecycle state of a pending action
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "PENDING"
	ActionStatusApproved ActionStatus = "APPROVED"
	ActionStatusRejected ActionStatus = "REJECTED"
	ActionStatusDone     ActionStatus = "DONE"
	ActionStatusFailed   ActionStatus = "FAILED"
)
