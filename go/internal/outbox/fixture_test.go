package outbox

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/db/dbtest"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/adapters"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/policy"
)

type fixture struct {
	db       *db.DB
	clock    *clockwork.FakeClock
	trail    *audit.Trail
	policies *policy.Store
	app      *App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dbtest.Open(t)
	clock := clockwork.NewFakeClock()
	trail := audit.NewTrail(d.Dialect, clock, nil)
	policies := policy.NewStore(d.Dialect, clock)
	return &fixture{
		db:       d,
		clock:    clock,
		trail:    trail,
		policies: policies,
		app:      NewApp(d, policies, trail, clock),
	}
}

func (f *fixture) dispatcher(oracle freshness.Oracle, registry *adapters.Registry, blobs BlobWriter) *Dispatcher {
	cfg := DefaultDispatcherConfig()
	cfg.BootstrapGateEnabled = oracle != nil
	return NewDispatcher(f.db, f.policies, oracle, f.trail, blobs, registry, f.clock, nil, cfg)
}

func (f *fixture) allow(t *testing.T, tenantID string, extra payload.Allowlist) {
	t.Helper()
	_, err := f.policies.Add(context.Background(), f.db, tenantID, extra)
	require.NoError(t, err)
}

func (f *fixture) row(t *testing.T, id uuid.UUID) *models.OutboxMessage {
	t.Helper()
	row, err := NewRepository(f.db, f.db.Dialect).Get(context.Background(), id)
	require.NoError(t, err)
	return row
}

func (f *fixture) events(t *testing.T, tenantID, eventType string) []*models.AuditEvent {
	t.Helper()
	events, err := audit.NewRepository(f.db, f.db.Dialect).ListForTenant(context.Background(), tenantID, audit.ListFilter{EventType: eventType})
	require.NoError(t, err)
	return events
}

func telegramRaw(chat, text string) map[string]any {
	return map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindTelegram),
		"context": map[string]any{"source": "test"},
		"policy": map[string]any{
			"risk":              string(payload.RiskYellow),
			"requires_approval": false,
			"allowlist":         map[string]any{},
		},
		"message": map[string]any{
			"chat":       map[string]any{"chat_id": chat},
			"parse_mode": string(payload.ParseModeMarkdown),
			"text":       text,
		},
		"attachments": []any{},
	}
}

func githubRaw(repo, title string) map[string]any {
	return map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindGitHubIssue),
		"context": map[string]any{"source": "test"},
		"policy": map[string]any{
			"risk":              string(payload.RiskYellow),
			"requires_approval": false,
			"allowlist":         map[string]any{"github_repos": []any{repo}},
		},
		"message": map[string]any{
			"repo":  repo,
			"title": title,
			"body":  map[string]any{"markdown": "details"},
		},
		"attachments": []any{},
	}
}

// fakeAdapter records sends and answers with a fixed result.
type fakeAdapter struct {
	kind   payload.Kind
	result adapters.SendResult

	mu    sync.Mutex
	calls []uuid.UUID
}

func (a *fakeAdapter) Kind() payload.Kind { return a.kind }

func (a *fakeAdapter) Send(_ context.Context, _ *payload.Payload, row *models.OutboxMessage) adapters.SendResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res, ok := adapters.AlreadySent(row); ok {
		return res
	}
	a.calls = append(a.calls, row.ID)
	return a.result
}

func (a *fakeAdapter) sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// memBlobs keeps preview blobs in memory.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  bool
}

func (m *memBlobs) PutBestEffort(_ context.Context, key string, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false
	}
	if m.blobs == nil {
		m.blobs = map[string][]byte{}
	}
	m.blobs[key] = data
	return true
}
