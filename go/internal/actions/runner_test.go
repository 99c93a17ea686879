package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

func gatedRaw(chat string) map[string]any {
	return map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindTelegram),
		"context": map[string]any{"source": "test"},
		"policy":  map[string]any{
			"risk":              string(payload.RiskRed),
			"requires_approval": true,
			"allowlist":         map[string]any{},
		},
		"message": map[string]any{
			"chat":       map[string]any{"chat_id": chat},
			"parse_mode": string(payload.ParseModeMarkdown),
			"text":       "needs review",
		},
		"attachments": []any{},
	}
}

func TestRunner_OutboxSendApprovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rowID, err := f.ledger.CreateOutboxMessage(ctx, "t1", nil, gatedRaw("42"))
	require.NoError(t, err)

	action, token := f.create(t, "t1", models.RiskRed, ToolOutboxSend, map[string]any{"outbox_id": rowID.String()})
	runner := f.runner(nil)

	summary, err := runner.ProcessPendingActions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed(), "a pending action is never claimed")

	_, err = f.app.Approve(ctx, "t1", action.ID, nil, token)
	require.NoError(t, err)

	summary, err = runner.ProcessPendingActions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{OK: true, Done: 1}, summary)
	assert.Equal(t, models.ActionStatusDone, f.action(t, "t1", action).Status)

	row, err := f.ledger.Get(ctx, "t1", rowID)
	require.NoError(t, err)
	assert.True(t, row.Meta.Bool(outbox.MetaApproved))
	assert.Equal(t, action.ID.String(), row.Meta[outbox.MetaApprovedByAction])
	assert.Len(t, f.events(t, "t1", audit.EventOutboxApprovedByAction), 1)
}

func TestRunner_RedTelegramQueuesApprovedRow(t *testing.T) {
	f := newFixture(t)
	action := f.approved(t, "t1", models.RiskRed, ToolTelegramSend, map[string]any{"to": "42", "text": "hi"})

	summary, err := f.runner(nil).ProcessPendingActions(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 1, summary.Queued)
	assert.Equal(t, models.ActionStatusDone, f.action(t, "t1", action).Status)

	rows := f.outboxRows(t, "t1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Meta.Bool(outbox.MetaApproved))
}

func TestRunner_ToolFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	bad := f.approved(t, "t1", models.RiskRed, ToolOutboxSend, map[string]any{"outbox_id": "nope"})
	good := f.approved(t, "t1", models.RiskGreen, ToolNoop, nil)

	summary, err := f.runner(nil).ProcessPendingActions(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Done)

	assert.Equal(t, models.ActionStatusFailed, f.action(t, "t1", bad).Status)
	assert.Equal(t, models.ActionStatusDone, f.action(t, "t1", good).Status)

	var failed int
	for _, e := range f.events(t, "t1", audit.EventToolResult) {
		if e.Severity == models.SeverityError {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunner_StaleContextSkips(t *testing.T) {
	f := newFixture(t)
	action := f.approved(t, "t1", models.RiskGreen, ToolNoop, nil)
	stale := freshness.Static{Result: freshness.Result{OK: false, Reason: freshness.ReasonStale}}

	summary, err := f.runner(stale).ProcessPendingActions(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{OK: true, Skipped: 1}, summary)
	assert.Equal(t, models.ActionStatusApproved, f.action(t, "t1", action).Status)

	ticks := f.events(t, "t1", audit.EventExecutorTick)
	require.Len(t, ticks, 1)
	assert.Equal(t, models.SeverityWarn, ticks[0].Severity)
	assert.Empty(t, f.events(t, "t1", audit.EventToolCall))
}

func TestRunner_RespectsLimit(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		f.approved(t, "t1", models.RiskGreen, ToolNoop, nil)
	}

	summary, err := f.runner(nil).ProcessPendingActions(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)

	summary, err = f.runner(nil).ProcessPendingActions(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
}
