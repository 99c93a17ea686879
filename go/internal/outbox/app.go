package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/policy"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// Tx binds ledger writes to a caller's transaction and audit scope. The
// caller commits and then flushes Audit.
type Tx struct {
	Q     db.Querier
	Audit *audit.Scope
}

// LegacyMessage is a payload-less row described only by its projections. The
// dispatcher normalizes it into a structured payload when it is claimed.
type LegacyMessage struct {
	TenantID       string
	UserID         *string
	Channel        string
	To             string
	Subject        *string
	Body           string
	IdempotencyKey *string
	Meta           models.Meta
}

// App is the outbox ledger. It is the only writer of new outbox rows.
type App struct {
	db       *db.DB
	repo     *Repository
	policies *policy.Store
	trail    *audit.Trail
	clock    clockwork.Clock

	// findByKey is the pre-insert duplicate lookup.
	findByKey func(r *Repository, ctx context.Context, tenantID, key string) (*models.OutboxMessage, error)
}

func NewApp(database *db.DB, policies *policy.Store, trail *audit.Trail, clock clockwork.Clock) *App {
	return &App{
		db:       database,
		repo:     NewRepository(database, database.Dialect),
		policies: policies,
		trail:    trail,
		clock:    clock,

		findByKey: (*Repository).FindByIdempotencyKey,
	}
}

// CreateOutboxMessage validates raw, applies the tenant allowlist and queues
// the message. Calls with the same idempotency key return the same id.
func (a *App) CreateOutboxMessage(ctx context.Context, tenantID string, userID *string, raw map[string]any) (uuid.UUID, error) {
	var (
		id    uuid.UUID
		scope *audit.Scope
	)
	err := sqlutil.Run(ctx, a.db.DB, a.bind, func(tx *Tx) error {
		scope = tx.Audit
		var err error
		id, _, err = a.CreateIn(ctx, *tx, tenantID, userID, raw)
		return err
	})
	if err != nil {
		if scope != nil {
			scope.Discard()
		}
		if db.IsUniqueViolation(err) {
			return a.existingID(ctx, tenantID, raw)
		}
		return uuid.Nil, err
	}
	scope.Flush(ctx)
	return id, nil
}

// CreateIn is CreateOutboxMessage inside the caller's transaction. created is
// false when a row with the same key already existed. A unique violation is
// returned as is; the caller's transaction is unusable after it on Postgres.
func (a *App) CreateIn(ctx context.Context, tx Tx, tenantID string, userID *string, raw map[string]any) (id uuid.UUID, created bool, err error) {
	raw, err = withIdempotencyKey(raw)
	if err != nil {
		return uuid.Nil, false, err
	}
	p, err := payload.FromMap(raw)
	if err != nil {
		return uuid.Nil, false, err
	}
	declared := policy.DeclaredFrom(p)

	loaded, err := a.policies.Load(ctx, tx.Q, tenantID)
	if err != nil {
		return uuid.Nil, false, err
	}
	decision := policy.EnforceAllowlist(p, &loaded.Allowlist)
	p = decision.Payload

	repo := NewRepository(tx.Q, a.db.Dialect)
	existing, err := a.findByKey(repo, ctx, tenantID, p.IdempotencyKey)
	if err != nil {
		return uuid.Nil, false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	body, err := encodePayload(p)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}

	key := p.IdempotencyKey
	row := &models.OutboxMessage{
		ID:             uuid.New(),
		TenantID:       tenantID,
		UserID:         userID,
		Channel:        string(p.Kind),
		To:             p.Target(),
		Subject:        p.Subject(),
		Body:           p.Body(),
		Payload:        body,
		IdempotencyKey: &key,
		Meta: models.Meta{
			MetaPolicyUpgradedToRed: decision.UpgradedToRed,
			MetaDeclaredPolicy:      declared.AsMeta(),
		},
		Status:    models.OutboxStatusQueued,
		CreatedAt: a.clock.Now().UTC(),
	}
	if err := repo.Insert(ctx, row); err != nil {
		return uuid.Nil, false, err
	}

	_, err = tx.Audit.Record(ctx, audit.Info(tenantID, userID, audit.EventOutboxCreated, "outbox_created", map[string]any{
		"outbox_id":              row.ID.String(),
		"kind":                   string(p.Kind),
		"to":                     row.To,
		"risk":                   string(p.Policy.Risk),
		"requires_approval":      p.Policy.RequiresApproval,
		"policy_upgraded_to_red": decision.UpgradedToRed,
		"idempotency_key":        key,
	}))
	if err != nil {
		return uuid.Nil, false, err
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("outbox_id", row.ID.String()).
		Str("kind", string(p.Kind)).
		Bool("requires_approval", p.Policy.RequiresApproval).
		Msg("outbox message queued")

	return row.ID, true, nil
}

// CreateLegacyIn queues a payload-less row. A non-nil key that already exists
// for the tenant returns the existing row's id.
func (a *App) CreateLegacyIn(ctx context.Context, tx Tx, m LegacyMessage) (uuid.UUID, error) {
	repo := NewRepository(tx.Q, a.db.Dialect)
	if m.IdempotencyKey != nil {
		existing, err := repo.FindByIdempotencyKey(ctx, m.TenantID, *m.IdempotencyKey)
		if err != nil {
			return uuid.Nil, err
		}
		if existing != nil {
			return existing.ID, nil
		}
	}
	meta := m.Meta.Clone()
	row := &models.OutboxMessage{
		ID:             uuid.New(),
		TenantID:       m.TenantID,
		UserID:         m.UserID,
		Channel:        strings.TrimSpace(m.Channel),
		To:             m.To,
		Subject:        m.Subject,
		Body:           m.Body,
		IdempotencyKey: m.IdempotencyKey,
		Meta:           meta,
		Status:         models.OutboxStatusQueued,
		CreatedAt:      a.clock.Now().UTC(),
	}
	if err := repo.Insert(ctx, row); err != nil {
		return uuid.Nil, err
	}
	_, err := tx.Audit.Record(ctx, audit.Info(m.TenantID, m.UserID, audit.EventOutboxCreated, "outbox_created", map[string]any{
		"outbox_id": row.ID.String(),
		"channel":   row.Channel,
		"to":        row.To,
		"legacy":    true,
	}))
	if err != nil {
		return uuid.Nil, err
	}
	return row.ID, nil
}

// ApproveIn marks a row as approved for dispatch. actionID names the pending
// action that carried the human decision, if any.
func (a *App) ApproveIn(ctx context.Context, tx Tx, tenantID string, id uuid.UUID, userID *string, actionID *uuid.UUID) error {
	repo := NewRepository(tx.Q, a.db.Dialect)
	row, err := repo.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if row.Status.Terminal() {
		return fmt.Errorf("outbox message %s is already %s", id, row.Status)
	}

	row.Meta = row.Meta.Clone()
	row.Meta[MetaApproved] = true
	row.Meta[MetaApprovedAt] = a.clock.Now().UTC().Format(timeLayout)
	ctxFields := map[string]any{"outbox_id": id.String()}
	if actionID != nil {
		row.Meta[MetaApprovedByAction] = actionID.String()
		ctxFields["action_id"] = actionID.String()
	}
	if err := repo.Update(ctx, row); err != nil {
		return err
	}
	_, err = tx.Audit.Record(ctx, audit.Info(tenantID, userID, audit.EventOutboxApprovedByAction, "outbox_approved", ctxFields))
	return err
}

// RequiresApprovalIn reports whether the stored payload of row id is gated on
// approval, after the allowlist enforcement it was stored with.
func (a *App) RequiresApprovalIn(ctx context.Context, tx Tx, id uuid.UUID) (bool, error) {
	row, err := NewRepository(tx.Q, a.db.Dialect).Get(ctx, id)
	if err != nil {
		return false, err
	}
	if len(row.Payload) == 0 {
		return false, nil
	}
	p, err := payload.Parse(row.Payload)
	if err != nil {
		return false, fmt.Errorf("stored payload is invalid: %w", err)
	}
	return p.Policy.RequiresApproval && !row.Meta.Bool(MetaApproved), nil
}

// Get returns one tenant row.
func (a *App) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.OutboxMessage, error) {
	return a.repo.GetForTenant(ctx, tenantID, id)
}

// List returns rows newest first.
func (a *App) List(ctx context.Context, f ListFilter) ([]*models.OutboxMessage, error) {
	return a.repo.List(ctx, f)
}

// Reset moves a FAILED or SENDING row back to QUEUED for another dispatch.
// It is an operator action and never happens automatically.
func (a *App) Reset(ctx context.Context, id uuid.UUID, operator string) error {
	var scope *audit.Scope
	err := sqlutil.Run(ctx, a.db.DB, a.bind, func(tx *Tx) error {
		scope = tx.Audit
		repo := NewRepository(tx.Q, a.db.Dialect)
		row, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		ok, err := repo.ResetToQueued(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: status is %s", ErrNotReset, row.Status)
		}
		_, err = tx.Audit.Record(ctx, audit.Warn(row.TenantID, row.UserID, audit.EventOutboxResetByOperator, "outbox_reset", map[string]any{
			"outbox_id":   id.String(),
			"from_status": string(row.Status),
			"operator":    operator,
		}))
		return err
	})
	if err != nil {
		if scope != nil {
			scope.Discard()
		}
		return err
	}
	scope.Flush(ctx)
	return nil
}

func (a *App) bind(tx *sql.Tx) *Tx {
	return &Tx{Q: tx, Audit: a.trail.Bind(tx)}
}

// existingID resolves the row a concurrent creator inserted first.
func (a *App) existingID(ctx context.Context, tenantID string, raw map[string]any) (uuid.UUID, error) {
	raw, err := withIdempotencyKey(raw)
	if err != nil {
		return uuid.Nil, err
	}
	key, _ := raw["idempotency_key"].(string)
	row, err := a.repo.FindByIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		return uuid.Nil, err
	}
	if row == nil {
		return uuid.Nil, errors.New("outbox insert conflicted but no row holds the key")
	}
	return row.ID, nil
}

// withIdempotencyKey fills a missing or empty key with the content hash.
func withIdempotencyKey(raw map[string]any) (map[string]any, error) {
	if key, _ := raw["idempotency_key"].(string); key != "" {
		return raw, nil
	}
	key, err := payload.ComputeIdempotencyKey(raw)
	if err != nil {
		return nil, &payload.ValidationError{Path: "idempotency_key", Reason: err.Error()}
	}
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["idempotency_key"] = key
	return out, nil
}
