// Package audit records the append-only audit trail and fans recorded events
// out to JetStream and live websocket subscribers.
package audit

import (
	"github.com/clowbot/clowbot/go/internal/models"
)

// Event types written by the outbox and approval flows.
const (
	EventOutboxCreated          = "OUTBOX_CREATED"
	EventOutboxDispatchAttempt  = "OUTBOX_DISPATCH_ATTEMPT"
	EventOutboxPolicyUpgraded   = "OUTBOX_POLICY_UPGRADED"
	EventOutboxPolicyLifted     = "OUTBOX_POLICY_LIFTED"
	EventOutboxBlocked          = "OUTBOX_BLOCKED"
	EventOutboxSendAttempt      = "OUTBOX_SEND_ATTEMPT"
	EventOutboxSendSuccess      = "OUTBOX_SEND_SUCCESS"
	EventOutboxSendFailed       = "OUTBOX_SEND_FAILED"
	EventOutboxStubSent         = "OUTBOX_STUB_SENT"
	EventOutboxDryRun           = "OUTBOX_DRY_RUN"
	EventOutboxFailed           = "OUTBOX_FAILED"
	EventActionCreated          = "ACTION_CREATED"
	EventActionApproved         = "ACTION_APPROVED"
	EventActionRejected         = "ACTION_REJECTED"
	EventActionApprovalDenied   = "ACTION_APPROVAL_DENIED"
	EventToolCall               = "TOOL_CALL"
	EventToolResult             = "TOOL_RESULT"
	EventConfirmationRequired   = "CONFIRMATION_REQUIRED"
	EventExecutorTick           = "EXECUTOR_TICK"
	EventSkillRunStarted        = "SKILL_RUN_STARTED"
	EventAllowlistUpdated       = "POLICY_ALLOWLIST_UPDATED"
	EventBootstrapRefreshed     = "BOOTSTRAP_REFRESHED"
	EventOutboxResetByOperator  = "OUTBOX_RESET"
	EventOutboxApprovedByAction = "OUTBOX_APPROVED"
)

// Entry is what callers hand to Record; the trail assigns id and timestamp.
type Entry struct {
	TenantID  string
	UserID    *string
	EventType string
	Severity  models.Severity
	Message   string
	Context   map[string]any
}

// Info, Warn and Error build entries with the matching severity.
func Info(tenantID string, userID *string, eventType, message string, ctx map[string]any) Entry {
	return Entry{TenantID: tenantID, UserID: userID, EventType: eventType, Severity: models.SeverityInfo, Message: message, Context: ctx}
}

func Warn(tenantID string, userID *string, eventType, message string, ctx map[string]any) Entry {
	return Entry{TenantID: tenantID, UserID: userID, EventType: eventType, Severity: models.SeverityWarn, Message: message, Context: ctx}
}

func Error(tenantID string, userID *string, eventType, message string, ctx map[string]any) Entry {
	return Entry{TenantID: tenantID, UserID: userID, EventType: eventType, Severity: models.SeverityError, Message: message, Context: ctx}
}
