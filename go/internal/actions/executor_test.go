package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
)

func TestExecute_RedPendingIsBlocked(t *testing.T) {
	f := newFixture(t)
	action, _ := f.create(t, "t1", models.RiskRed, ToolTelegramSend, map[string]any{"to": "42", "text": "hi"})

	res, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Nil(t, res.OutboxID)
	assert.Empty(t, f.outboxRows(t, "t1"), "a blocked action creates nothing")
	assert.Len(t, f.events(t, "t1", audit.EventConfirmationRequired), 1)
	assert.Len(t, f.events(t, "t1", audit.EventToolCall), 1)
	assert.Empty(t, f.events(t, "t1", audit.EventToolResult))
}

func TestExecute_GreenRunsWithoutApproval(t *testing.T) {
	f := newFixture(t)
	action, _ := f.create(t, "t1", models.RiskGreen, ToolNoop, nil)

	res, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Len(t, f.events(t, "t1", audit.EventToolResult), 1)
}

func TestExecute_UnknownToolWithoutFallback(t *testing.T) {
	f := newFixture(t)
	exec := NewExecutor(f.db, f.trail, NewRegistry(noopTool{tag: ToolNoop}))
	action, _ := f.create(t, "t1", models.RiskGreen, "crm.update", nil)

	_, err := exec.Execute(context.Background(), action)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Empty(t, f.events(t, "t1", audit.EventToolCall), "the failed transaction drops its audit rows")
}

func TestExecute_GenericToolQueuesLegacyRow(t *testing.T) {
	f := newFixture(t)
	action, _ := f.create(t, "t1", models.RiskYellow, "crm.update", map[string]any{
		"channel": "email",
		"to":      "ops@example.com",
		"subject": "Update",
		"body":    "please sync",
	})

	res, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	require.NotNil(t, res.OutboxID)

	row, err := f.ledger.Get(context.Background(), "t1", *res.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, "email", row.Channel)
	assert.Equal(t, "ops@example.com", row.To)
	assert.Equal(t, action.ID.String(), row.Meta["source_pending_action_id"])
}

func TestExecute_TelegramUsesDefaultChat(t *testing.T) {
	f := newFixture(t)
	action, _ := f.create(t, "t1", models.RiskYellow, ToolTelegramSendMsg, map[string]any{"text": "ping"})

	res, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	require.NotNil(t, res.OutboxID)

	row, err := f.ledger.Get(context.Background(), "t1", *res.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, "telegram", row.Channel)
	assert.Equal(t, "777", row.To)
	assert.False(t, row.Meta.Bool(outbox.MetaApproved))
}

func TestExecute_ApprovedRedTelegramApprovesExistingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action, token := f.create(t, "t1", models.RiskRed, ToolTelegramSend, map[string]any{"to": "42", "text": "hi"})

	// an earlier run queued the same message before the action was approved
	tool := telegramTool{tag: ToolTelegramSend, ledger: f.ledger}
	earlier, err := tool.Run(ctx, outbox.Tx{Q: f.db, Audit: f.trail.Bind(f.db)}, action)
	require.NoError(t, err)
	require.NotNil(t, earlier.OutboxID)
	row, err := f.ledger.Get(ctx, "t1", *earlier.OutboxID)
	require.NoError(t, err)
	require.False(t, row.Meta.Bool(outbox.MetaApproved))

	_, err = f.app.Approve(ctx, "t1", action.ID, nil, token)
	require.NoError(t, err)
	res, err := f.executor.Execute(ctx, f.action(t, "t1", action))
	require.NoError(t, err)
	require.NotNil(t, res.OutboxID)
	assert.Equal(t, *earlier.OutboxID, *res.OutboxID)

	row, err = f.ledger.Get(ctx, "t1", *res.OutboxID)
	require.NoError(t, err)
	assert.True(t, row.Meta.Bool(outbox.MetaApproved))
	assert.Equal(t, action.ID.String(), row.Meta[outbox.MetaApprovedByAction])
	assert.Len(t, f.outboxRows(t, "t1"), 1)
}
