package actions

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/db/dbtest"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/policy"
)

type fixture struct {
	db       *db.DB
	clock    *clockwork.FakeClock
	trail    *audit.Trail
	ledger   *outbox.App
	app      *App
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dbtest.Open(t)
	clock := clockwork.NewFakeClock()
	trail := audit.NewTrail(d.Dialect, clock, nil)
	ledger := outbox.NewApp(d, policy.NewStore(d.Dialect, clock), trail, clock)
	return &fixture{
		db:       d,
		clock:    clock,
		trail:    trail,
		ledger:   ledger,
		app:      NewApp(d, trail, clock),
		executor: NewExecutor(d, trail, DefaultRegistry(ledger, ExecutorConfig{DefaultTelegramChat: "777"})),
	}
}

func (f *fixture) runner(oracle freshness.Oracle) *Runner {
	return NewRunner(f.db, f.executor, oracle, f.trail, f.clock)
}

func (f *fixture) create(t *testing.T, tenantID string, risk models.RiskLevel, tool ToolType, body map[string]any) (*models.PendingAction, string) {
	t.Helper()
	action, token, err := f.app.Create(context.Background(), CreateRequest{
		TenantID:   tenantID,
		RiskLevel:  risk,
		ActionType: tool,
		Payload:    body,
	})
	require.NoError(t, err)
	return action, token
}

// approved creates an action and approves it with its own token.
func (f *fixture) approved(t *testing.T, tenantID string, risk models.RiskLevel, tool ToolType, body map[string]any) *models.PendingAction {
	t.Helper()
	action, token := f.create(t, tenantID, risk, tool, body)
	_, err := f.app.Approve(context.Background(), tenantID, action.ID, nil, token)
	require.NoError(t, err)
	return f.action(t, tenantID, action)
}

func (f *fixture) action(t *testing.T, tenantID string, a *models.PendingAction) *models.PendingAction {
	t.Helper()
	got, err := f.app.Get(context.Background(), tenantID, a.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) events(t *testing.T, tenantID, eventType string) []*models.AuditEvent {
	t.Helper()
	events, err := audit.NewRepository(f.db, f.db.Dialect).ListForTenant(context.Background(), tenantID, audit.ListFilter{EventType: eventType})
	require.NoError(t, err)
	return events
}

func (f *fixture) outboxRows(t *testing.T, tenantID string) []*models.OutboxMessage {
	t.Helper()
	rows, err := f.ledger.List(context.Background(), outbox.ListFilter{TenantID: tenantID})
	require.NoError(t, err)
	return rows
}
