package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/policy"
)

func TestApp_CreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	second, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := f.app.CreateOutboxMessage(ctx, "t2", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "keys are scoped per tenant")

	rows, err := f.app.List(ctx, ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Len(t, f.events(t, "t1", audit.EventOutboxCreated), 1)
}

func TestApp_CreateStoresProjections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := "u1"

	id, err := f.app.CreateOutboxMessage(ctx, "t1", &user, githubRaw("acme/app", "Crash on start"))
	require.NoError(t, err)

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusQueued, row.Status)
	assert.Equal(t, string(payload.KindGitHubIssue), row.Channel)
	assert.Equal(t, "acme/app", row.To)
	require.NotNil(t, row.Subject)
	assert.Equal(t, "Crash on start", *row.Subject)
	require.NotNil(t, row.IdempotencyKey)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, *row.IdempotencyKey)
	assert.Equal(t, "u1", *row.UserID)
	assert.False(t, row.Meta.Bool(MetaPolicyUpgradedToRed))

	p, err := payload.Parse(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload.RiskYellow, p.Policy.Risk)
	assert.False(t, p.Policy.RequiresApproval)
}

func TestApp_CreateRecoversFromConcurrentInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	// the other creator commits after this one looked the key up
	f.app.findByKey = func(*Repository, context.Context, string, string) (*models.OutboxMessage, error) {
		return nil, nil
	}
	second, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rows, err := f.app.List(ctx, ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Len(t, f.events(t, "t1", audit.EventOutboxCreated), 1, "the losing insert's audit rows roll back")
}

func TestApp_CreateEscalatesUnlistedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	row := f.row(t, id)
	assert.True(t, row.Meta.Bool(MetaPolicyUpgradedToRed))
	p, err := payload.Parse(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload.RiskRed, p.Policy.Risk)
	assert.True(t, p.Policy.RequiresApproval)

	declared, ok := policy.DeclaredFromMeta(row.Meta[MetaDeclaredPolicy])
	require.True(t, ok)
	assert.Equal(t, payload.RiskYellow, declared.Risk)
	assert.False(t, declared.RequiresApproval)

	gated, err := f.app.RequiresApprovalIn(ctx, Tx{Q: f.db}, id)
	require.NoError(t, err)
	assert.True(t, gated)
}

func TestApp_CreateWithTenantAllowlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	row := f.row(t, id)
	assert.False(t, row.Meta.Bool(MetaPolicyUpgradedToRed))
	gated, err := f.app.RequiresApprovalIn(ctx, Tx{Q: f.db}, id)
	require.NoError(t, err)
	assert.False(t, gated)
}

func TestApp_CreateRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	raw := telegramRaw("42", "hello")
	raw["kind"] = "fax"

	_, err := f.app.CreateOutboxMessage(context.Background(), "t1", nil, raw)
	var verr *payload.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "kind", verr.Path)

	rows, err := f.app.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApp_ApproveIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	scope := f.trail.Bind(f.db)
	require.NoError(t, f.app.ApproveIn(ctx, Tx{Q: f.db, Audit: scope}, "t1", id, nil, nil))

	row := f.row(t, id)
	assert.True(t, row.Meta.Bool(MetaApproved))
	assert.NotEmpty(t, row.Meta[MetaApprovedAt])

	gated, err := f.app.RequiresApprovalIn(ctx, Tx{Q: f.db}, id)
	require.NoError(t, err)
	assert.False(t, gated)

	err = f.app.ApproveIn(ctx, Tx{Q: f.db, Audit: scope}, "t2", id, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApp_Reset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	err = f.app.Reset(ctx, id, "ops")
	assert.ErrorIs(t, err, ErrNotReset)

	repo := NewRepository(f.db, f.db.Dialect)
	require.NoError(t, repo.UpdateStatus(ctx, id, models.OutboxStatusFailed, nil))
	require.NoError(t, f.app.Reset(ctx, id, "ops"))
	assert.Equal(t, models.OutboxStatusQueued, f.row(t, id).Status)

	events := f.events(t, "t1", audit.EventOutboxResetByOperator)
	require.Len(t, events, 1)
	assert.Equal(t, "ops", events[0].Context["operator"])
	assert.Equal(t, "FAILED", events[0].Context["from_status"])
}
