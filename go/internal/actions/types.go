// Package actions holds the pending-action ledger, the tool executor that
// runs approved actions and the batch runner the worker drives.
package actions

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/clowbot/clowbot/go/internal/models"
)

var (
	ErrNotFound     = errors.New("action not found")
	ErrNotPending   = errors.New("action not pending")
	ErrInvalidToken = errors.New("invalid confirmation token")
	ErrUnknownTool  = errors.New("unknown tool")
)

// ToolType is the action_type tag stored on a pending action.
type ToolType string

const (
	ToolNoop            ToolType = "noop"
	ToolInternalNoop    ToolType = "internal.noop"
	ToolOutboxSend      ToolType = "outbox.send"
	ToolTelegramSendMsg ToolType = "telegram.send_message"
	ToolTelegramSend    ToolType = "telegram.send"
)

// CreateRequest describes a new pending action.
type CreateRequest struct {
	TenantID   string
	UserID     *string
	RiskLevel  models.RiskLevel
	ActionType ToolType
	Payload    map[string]any
}

// Outcome tags an executor result. Blocked is the confirmation-required case:
// nothing ran and nothing was created.
type Outcome string

const (
	OutcomeDone    Outcome = "DONE"
	OutcomeQueued  Outcome = "QUEUED"
	OutcomeBlocked Outcome = "BLOCKED"
)

type Result struct {
	Outcome  Outcome
	OutboxID *uuid.UUID
	Detail   string
}

// RunSummary counts one ProcessPendingActions batch.
type RunSummary struct {
	OK      bool `json:"ok"`
	Done    int  `json:"done"`
	Queued  int  `json:"queued"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
}

// Processed is the number of rows that reached a terminal state.
func (s RunSummary) Processed() int {
	return s.Done + s.Failed
}

func (s RunSummary) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Decision is returned by Approve and Reject.
type Decision struct {
	ID     uuid.UUID           `json:"id"`
	Status models.ActionStatus `json:"status"`
}

// ListFilter narrows ListPending.
type ListFilter struct {
	TenantID string
	Status   models.ActionStatus
	Limit    int
}
