package actions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// Tool runs one kind of approved action. Tools write through tx so their
// ledger rows commit or roll back with the action's status change.
type Tool interface {
	Type() ToolType
	Run(ctx context.Context, tx outbox.Tx, action *models.PendingAction) (Result, error)
}

// Registry resolves an action_type to its Tool.
type Registry struct {
	tools    map[ToolType]Tool
	fallback Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[ToolType]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Type()] = t
}

// SetFallback makes t handle every tag without its own tool. Without a
// fallback unknown tags fail with ErrUnknownTool.
func (r *Registry) SetFallback(t Tool) {
	r.fallback = t
}

func (r *Registry) Lookup(t ToolType) (Tool, error) {
	if tool, ok := r.tools[t]; ok {
		return tool, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, t)
}

// ExecutorConfig is what the tools need from process configuration.
type ExecutorConfig struct {
	DefaultTelegramChat string
}

// DefaultRegistry wires the built-in tools, with the generic outbox tool as
// the fallback for any other tag.
func DefaultRegistry(ledger *outbox.App, cfg ExecutorConfig) *Registry {
	r := NewRegistry(
		noopTool{tag: ToolNoop},
		noopTool{tag: ToolInternalNoop},
		outboxApproveTool{ledger: ledger},
		telegramTool{tag: ToolTelegramSendMsg, ledger: ledger, defaultChat: cfg.DefaultTelegramChat},
		telegramTool{tag: ToolTelegramSend, ledger: ledger, defaultChat: cfg.DefaultTelegramChat},
	)
	r.SetFallback(genericOutboxTool{ledger: ledger})
	return r
}

// Executor runs pending actions through the registry. A RED action that is
// not APPROVED is never run, however Execute is reached.
type Executor struct {
	db       *db.DB
	trail    *audit.Trail
	registry *Registry
}

func NewExecutor(database *db.DB, trail *audit.Trail, registry *Registry) *Executor {
	return &Executor{db: database, trail: trail, registry: registry}
}

// Execute runs action in its own transaction.
func (e *Executor) Execute(ctx context.Context, action *models.PendingAction) (Result, error) {
	var (
		res   Result
		scope *audit.Scope
	)
	bind := func(tx *sql.Tx) *outbox.Tx {
		scope = e.trail.Bind(tx)
		return &outbox.Tx{Q: tx, Audit: scope}
	}
	err := sqlutil.Run(ctx, e.db.DB, bind, func(tx *outbox.Tx) error {
		var err error
		res, err = e.ExecuteIn(ctx, *tx, action)
		return err
	})
	if err != nil {
		if scope != nil {
			scope.Discard()
		}
		return Result{}, err
	}
	scope.Flush(ctx)
	return res, nil
}

// ExecuteIn is Execute inside the caller's transaction.
func (e *Executor) ExecuteIn(ctx context.Context, tx outbox.Tx, action *models.PendingAction) (Result, error) {
	_, err := tx.Audit.Record(ctx, audit.Info(action.TenantID, action.UserID, audit.EventToolCall,
		fmt.Sprintf("tool=%s risk=%s", action.ActionType, action.RiskLevel),
		map[string]any{
			"action_id": action.ID.String(),
			"payload":   action.Payload,
		}))
	if err != nil {
		return Result{}, err
	}

	if action.RiskLevel == models.RiskRed && action.Status != models.ActionStatusApproved {
		_, err = tx.Audit.Record(ctx, audit.Warn(action.TenantID, action.UserID, audit.EventConfirmationRequired, "RED action blocked: not approved", map[string]any{
			"action_id": action.ID.String(),
			"tool":      action.ActionType,
			"status":    string(action.Status),
		}))
		if err != nil {
			return Result{}, err
		}
		log.Warn().
			Str("tenant_id", action.TenantID).
			Str("action_id", action.ID.String()).
			Msg("confirmation required")
		return Result{Outcome: OutcomeBlocked, Detail: "confirmation_required"}, nil
	}

	tool, err := e.registry.Lookup(ToolType(action.ActionType))
	if err != nil {
		return Result{}, err
	}
	res, err := tool.Run(ctx, tx, action)
	if err != nil {
		return Result{}, fmt.Errorf("tool %s failed: %w", action.ActionType, err)
	}

	fields := map[string]any{
		"action_id": action.ID.String(),
		"ok":        true,
		"outcome":   string(res.Outcome),
	}
	if res.OutboxID != nil {
		fields["outbox_id"] = res.OutboxID.String()
	}
	_, err = tx.Audit.Record(ctx, audit.Info(action.TenantID, action.UserID, audit.EventToolResult, res.Detail, fields))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

type noopTool struct {
	tag ToolType
}

func (t noopTool) Type() ToolType { return t.tag }

func (t noopTool) Run(context.Context, outbox.Tx, *models.PendingAction) (Result, error) {
	return Result{Outcome: OutcomeDone, Detail: "noop"}, nil
}

// outboxApproveTool releases the outbox row named by payload.outbox_id to
// the dispatcher. The action's approval is the human review of that row.
type outboxApproveTool struct {
	ledger *outbox.App
}

func (outboxApproveTool) Type() ToolType { return ToolOutboxSend }

func (t outboxApproveTool) Run(ctx context.Context, tx outbox.Tx, action *models.PendingAction) (Result, error) {
	raw, _ := action.Payload["outbox_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("payload.outbox_id %q is not a UUID", raw)
	}
	actionID := action.ID
	if err := t.ledger.ApproveIn(ctx, tx, action.TenantID, id, action.UserID, &actionID); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeDone, OutboxID: &id, Detail: "outbox_approved"}, nil
}

// telegramTool queues a structured chat message. The tenant allowlist still
// applies; an approved RED action also approves its row, whether it created
// the row now or an earlier run of the same message did.
type telegramTool struct {
	tag         ToolType
	ledger      *outbox.App
	defaultChat string
}

func (t telegramTool) Type() ToolType { return t.tag }

func (t telegramTool) Run(ctx context.Context, tx outbox.Tx, action *models.PendingAction) (Result, error) {
	to := firstString(action.Payload, "to")
	if to == "" {
		to = t.defaultChat
	}
	if to == "" {
		return Result{}, fmt.Errorf("%s needs payload.to or a default chat", t.tag)
	}
	text := firstString(action.Payload, "text", "body", "message")
	if text == "" {
		text = fmt.Sprint(action.Payload)
	}

	raw := map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindTelegram),
		"context": map[string]any{"source": "tool." + string(t.tag)},
		"policy": map[string]any{
			"risk":              string(action.RiskLevel),
			"requires_approval": action.RiskLevel == models.RiskRed,
			"allowlist":         map[string]any{},
		},
		"message": map[string]any{
			"chat":       map[string]any{"chat_id": to},
			"parse_mode": string(payload.ParseModeMarkdown),
			"text":       text,
		},
		"attachments": []any{},
	}
	id, created, err := t.ledger.CreateIn(ctx, tx, action.TenantID, action.UserID, raw)
	if err != nil {
		return Result{}, err
	}
	if action.Status == models.ActionStatusApproved && action.RiskLevel == models.RiskRed {
		// a replayed action lands on the row it created before, which may still be gated
		gated := created
		if !created {
			if gated, err = t.ledger.RequiresApprovalIn(ctx, tx, id); err != nil {
				return Result{}, err
			}
		}
		if gated {
			actionID := action.ID
			if err := t.ledger.ApproveIn(ctx, tx, action.TenantID, id, action.UserID, &actionID); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{Outcome: OutcomeQueued, OutboxID: &id, Detail: "queued_to_outbox"}, nil
}

// genericOutboxTool routes any other side effect to a payload-less outbox
// row built from payload channel, to, subject and body.
type genericOutboxTool struct {
	ledger *outbox.App
}

func (genericOutboxTool) Type() ToolType { return "" }

func (t genericOutboxTool) Run(ctx context.Context, tx outbox.Tx, action *models.PendingAction) (Result, error) {
	channel := firstString(action.Payload, "channel")
	if channel == "" {
		channel = "stub"
	}
	to := firstString(action.Payload, "to")
	if to == "" {
		to = "(unspecified)"
	}
	var subject *string
	if s := firstString(action.Payload, "subject"); s != "" {
		subject = &s
	}
	body := firstString(action.Payload, "body", "message")
	if body == "" {
		body = fmt.Sprint(action.Payload)
	}

	id, err := t.ledger.CreateLegacyIn(ctx, tx, outbox.LegacyMessage{
		TenantID: action.TenantID,
		UserID:   action.UserID,
		Channel:  channel,
		To:       to,
		Subject:  subject,
		Body:     body,
		Meta: models.Meta{
			"source_pending_action_id": action.ID.String(),
			"tool":                     action.ActionType,
			"risk":                     string(action.RiskLevel),
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeQueued, OutboxID: &id, Detail: "queued_to_outbox"}, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
