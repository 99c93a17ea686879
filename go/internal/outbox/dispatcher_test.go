package outbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/documents"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/adapters"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

func sentAdapter(kind payload.Kind) *fakeAdapter {
	return &fakeAdapter{kind: kind, result: adapters.SendResult{Status: adapters.StatusSent, ExternalID: "m-1"}}
}

func TestDispatch_BlockedUntilAllowlisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, 0, summary.Processed())
	assert.Equal(t, models.OutboxStatusQueued, f.row(t, id).Status)
	assert.Equal(t, 0, chat.sent())
	assert.Len(t, f.events(t, "t1", audit.EventOutboxBlocked), 1)

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})

	summary, err = d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, chat.sent())

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusSent, row.Status)
	assert.NotNil(t, row.SentAt)
	assert.True(t, row.Meta.Bool(MetaPolicyLiftedAtDispatch))
	assert.Equal(t, "m-1", row.Meta.Object(MetaExternal)["id"])

	lifted := f.events(t, "t1", audit.EventOutboxPolicyLifted)
	require.Len(t, lifted, 1)
	assert.Equal(t, models.SeverityWarn, lifted[0].Severity)
	assert.Equal(t, string(payload.RiskRed), lifted[0].Context["previous_risk"])

	p, err := payload.Parse(row.Payload)
	require.NoError(t, err)
	assert.False(t, p.Policy.RequiresApproval)

	summary, err = d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DispatchSummary{OK: true}, summary)
	assert.Equal(t, 1, chat.sent(), "a terminal row is never sent again")
}

// On Postgres every write to a QUEUED row can notify the listener, so a row
// waiting for approval must be left untouched by the dispatch that blocks it.
func TestDispatch_BlockedRowIsNotRewritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	_, err = f.db.ExecContext(ctx, `CREATE TABLE outbox_writes (id TEXT NOT NULL, status TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx, `CREATE TRIGGER log_outbox_writes AFTER UPDATE ON outbox_messages
		BEGIN INSERT INTO outbox_writes (id, status) VALUES (NEW.id, NEW.status); END`)
	require.NoError(t, err)
	writes := func() int {
		var n int
		require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_writes`).Scan(&n))
		return n
	}

	for range 3 {
		summary, err := d.DispatchOutbox(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Blocked)
	}
	assert.Equal(t, 0, writes(), "blocked dispatches leave the row alone")
	assert.Len(t, f.events(t, "t1", audit.EventOutboxBlocked), 3)

	require.NoError(t, f.app.ApproveIn(ctx, Tx{Q: f.db, Audit: f.trail.Bind(f.db)}, "t1", id, nil, nil))
	assert.Equal(t, 1, writes(), "approval is the write that wakes the worker")

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, models.OutboxStatusSent, f.row(t, id).Status)
}

func TestDispatch_LiftDisabledKeepsRowBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	cfg := DefaultDispatcherConfig()
	cfg.BootstrapGateEnabled = false
	cfg.PolicyLiftEnabled = false
	d := NewDispatcher(f.db, f.policies, nil, f.trail, nil, adapters.NewRegistry(chat), f.clock, nil, cfg)

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, models.OutboxStatusQueued, f.row(t, id).Status)
	assert.Empty(t, f.events(t, "t1", audit.EventOutboxPolicyLifted))
}

func TestDispatch_ApprovedRowIsSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	actionID := uuid.New()
	require.NoError(t, f.app.ApproveIn(ctx, Tx{Q: f.db, Audit: f.trail.Bind(f.db)}, "t1", id, nil, &actionID))

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusSent, row.Status)
	assert.Equal(t, actionID.String(), row.Meta[MetaApprovedByAction])
	p, err := payload.Parse(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload.RiskRed, p.Policy.Risk, "approval does not rewrite the policy")
}

func TestDispatch_EscalatesWhenAllowlistShrinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})
	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.policies.Replace(ctx, f.db, "t1", payload.Allowlist{})
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, 0, chat.sent())

	row := f.row(t, id)
	assert.True(t, row.Meta.Bool(MetaPolicyUpgradedToRedAtDispatch))
	assert.Len(t, f.events(t, "t1", audit.EventOutboxPolicyUpgraded), 1)
	p, err := payload.Parse(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload.RiskRed, p.Policy.Risk)
	assert.True(t, p.Policy.RequiresApproval)
}

func TestDispatch_StubWithoutAdapterWritesPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blobs := &memBlobs{}
	d := f.dispatcher(nil, adapters.NewRegistry(), blobs)

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})
	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello *world*"))
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StubSent)

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusStubSent, row.Status)
	preview := row.Meta.Object(MetaPreview)
	require.NotNil(t, preview)
	keys, _ := preview["object_keys"].(map[string]any)
	assert.Equal(t, "t1/outbox/"+id.String()+"/"+previewPayloadName, keys[previewPayloadKey])
	assert.Contains(t, keys, previewJSONName)
	assert.Len(t, blobs.blobs, 2)

	docID, err := uuid.Parse(preview["document_id"].(string))
	require.NoError(t, err)
	doc, err := documents.NewRepository(f.db, f.db.Dialect).Latest(ctx, "t1", PreviewDocumentDomain, PreviewDocumentType)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, docID, doc.ID)
	assert.Contains(t, *doc.ContentText, "hello *world*")
	assert.Len(t, f.events(t, "t1", audit.EventOutboxStubSent), 1)
}

func TestDispatch_BlobFailureDoesNotFailRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher(nil, adapters.NewRegistry(), &memBlobs{fail: true})

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})
	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	_, err = d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusStubSent, row.Status)
	keys, _ := row.Meta.Object(MetaPreview)["object_keys"].(map[string]any)
	assert.Empty(t, keys)
}

func TestDispatch_StaleContextSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	stale := freshness.Static{Result: freshness.Result{OK: false, Reason: freshness.ReasonStale}}
	d := f.dispatcher(stale, adapters.NewRegistry(chat), nil)

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})
	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, chat.sent())
	assert.Equal(t, models.OutboxStatusQueued, f.row(t, id).Status)

	attempts := f.events(t, "t1", audit.EventOutboxDispatchAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.SeverityWarn, attempts[0].Severity)
	assert.Equal(t, freshness.ReasonStale, attempts[0].Context["reason"])
}

func TestDispatch_AdapterFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := &fakeAdapter{kind: payload.KindTelegram, result: adapters.SendResult{
		Status:    adapters.StatusFailed,
		Reason:    "chat not found",
		Retryable: false,
	}}
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})
	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusFailed, row.Status)
	assert.Nil(t, row.SentAt)
	assert.Equal(t, "chat not found", row.Meta.Object(MetaLastError)["reason"])

	failed := f.events(t, "t1", audit.EventOutboxSendFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.SeverityError, failed[0].Severity)

	summary, err = d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed(), "failed rows wait for an operator reset")
	assert.Equal(t, 1, chat.sent())
}

func TestDispatch_DryRunStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher(nil, adapters.NewRegistry(adapters.NewTelegramAdapter(adapters.Config{})), nil)

	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})
	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DryRunSent)
	assert.Equal(t, models.OutboxStatusDryRunSent, f.row(t, id).Status)
	assert.Len(t, f.events(t, "t1", audit.EventOutboxDryRun), 1)
}

func TestDispatch_InvalidStoredPayloadFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher(nil, adapters.NewRegistry(), nil)

	row := &models.OutboxMessage{
		ID:        uuid.New(),
		TenantID:  "t1",
		Channel:   string(payload.KindTelegram),
		To:        "42",
		Body:      "hello",
		Payload:   []byte(`{"kind":"telegram"}`),
		Meta:      models.Meta{},
		Status:    models.OutboxStatusQueued,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, NewRepository(f.db, f.db.Dialect).Insert(ctx, row))

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	stored := f.row(t, row.ID)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
	assert.Contains(t, stored.Meta.Object(MetaLastError)["reason"], "stored payload is invalid")
	assert.Len(t, f.events(t, "t1", audit.EventOutboxFailed), 1)
}

func TestDispatch_LegacyRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)

	var known, unknown uuid.UUID
	err := func() error {
		tx := Tx{Q: f.db, Audit: f.trail.Bind(f.db)}
		var err error
		known, err = f.app.CreateLegacyIn(ctx, tx, LegacyMessage{
			TenantID: "t1", Channel: string(payload.KindTelegram), To: "42", Body: "legacy hello",
		})
		if err != nil {
			return err
		}
		f.clock.Advance(time.Second)
		unknown, err = f.app.CreateLegacyIn(ctx, tx, LegacyMessage{
			TenantID: "t1", Channel: "stub", To: "(unspecified)", Body: "note to self",
		})
		return err
	}()
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.StubSent)

	sent := f.row(t, known)
	assert.Equal(t, models.OutboxStatusSent, sent.Status)
	require.NotEmpty(t, sent.Payload, "normalized payload is persisted")
	p, err := payload.Parse(sent.Payload)
	require.NoError(t, err)
	assert.Equal(t, "legacy hello", p.Telegram.Text)

	stubbed := f.row(t, unknown)
	assert.Equal(t, models.OutboxStatusStubSent, stubbed.Status)
	assert.Empty(t, stubbed.Payload)
	assert.NotNil(t, stubbed.Meta.Object(MetaPreview))
}

func TestDispatch_GitHubIssueEndToEnd(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/repos/acme/app/issues", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":99,"number":7,"html_url":"https://github.com/acme/app/issues/7"}`))
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	registry := adapters.NewRegistry(adapters.NewGitHubIssueAdapter(adapters.Config{
		RealSendEnabled: true,
		GitHubToken:     "tok",
		GitHubAPIBase:   srv.URL,
		Timeout:         time.Second,
	}))
	d := f.dispatcher(nil, registry, nil)

	id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, githubRaw("acme/app", "Crash on start"))
	require.NoError(t, err)

	summary, err := d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	row := f.row(t, id)
	assert.Equal(t, models.OutboxStatusSent, row.Status)
	ext := row.Meta.Object(MetaExternal)
	assert.Equal(t, "7", ext["id"])
	assert.Equal(t, "https://github.com/acme/app/issues/7", ext["url"])

	// a reset row already carries the external id, so a second dispatch
	// reports SENT without calling the API again
	repo := NewRepository(f.db, f.db.Dialect)
	require.NoError(t, repo.UpdateStatus(ctx, id, models.OutboxStatusSending, nil))
	require.NoError(t, f.app.Reset(ctx, id, "ops"))
	_, err = d.DispatchOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusSent, f.row(t, id).Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_RespectsLimitAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := sentAdapter(payload.KindTelegram)
	d := f.dispatcher(nil, adapters.NewRegistry(chat), nil)
	f.allow(t, "t1", payload.Allowlist{TelegramChats: []string{"42"}})

	var ids []uuid.UUID
	for _, text := range []string{"one", "two", "three"} {
		id, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", text))
		require.NoError(t, err)
		ids = append(ids, id)
		f.clock.Advance(time.Second)
	}

	summary, err := d.DispatchOutbox(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, []uuid.UUID{ids[0], ids[1]}, chat.calls)
	assert.Equal(t, models.OutboxStatusQueued, f.row(t, ids[2]).Status)
}
