package skills

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/actions"
	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/documents"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// StaleError is returned when the tenant's bootstrap context is not fresh.
type StaleError struct {
	Reason string
}

func (e *StaleError) Error() string {
	return "bootstrap required: " + e.Reason
}

// Producer is shared by every skill: it queues outbox rows and opens an
// approval action for each row the policy gates.
type Producer struct {
	dialect db.Dialect
	clock   clockwork.Clock
	ledger  *outbox.App
	actions *actions.App
}

// Queue creates the outbox row for raw and, when it needs approval, a RED
// outbox.send action whose token is added to res.
func (p *Producer) Queue(ctx context.Context, tx outbox.Tx, req RunRequest, raw map[string]any, res *RunResult) (uuid.UUID, error) {
	id, _, err := p.ledger.CreateIn(ctx, tx, req.TenantID, req.UserID, raw)
	if err != nil {
		return uuid.Nil, err
	}
	res.OutboxIDs = append(res.OutboxIDs, id)

	gated, err := p.ledger.RequiresApprovalIn(ctx, tx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if !gated {
		return id, nil
	}
	action, token, err := p.actions.CreateIn(ctx, tx, actions.CreateRequest{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		RiskLevel:  models.RiskRed,
		ActionType: actions.ToolOutboxSend,
		Payload:    map[string]any{"outbox_id": id.String()},
	})
	if err != nil {
		return uuid.Nil, err
	}
	res.PendingActionIDs = append(res.PendingActionIDs, action.ID)
	res.ConfirmationTokens[action.ID.String()] = token
	return id, nil
}

// Document stores a generated markdown artifact.
func (p *Producer) Document(ctx context.Context, tx outbox.Tx, tenantID, domain, docType, title, content string, meta map[string]any) (uuid.UUID, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	doc := &models.Document{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Domain:      domain,
		DocType:     docType,
		Title:       title,
		ContentText: &content,
		Meta:        meta,
		CreatedAt:   p.clock.Now().UTC(),
	}
	if err := documents.NewRepository(tx.Q, p.dialect).Insert(ctx, doc); err != nil {
		return uuid.Nil, err
	}
	return doc.ID, nil
}

// App resolves and runs skills.
type App struct {
	db       *db.DB
	trail    *audit.Trail
	oracle   freshness.Oracle
	skills   map[Name]Skill
	producer *Producer
}

func NewApp(database *db.DB, trail *audit.Trail, oracle freshness.Oracle, clock clockwork.Clock, ledger *outbox.App, pending *actions.App) *App {
	if oracle == nil {
		oracle = freshness.AlwaysFresh()
	}
	p := &Producer{dialect: database.Dialect, clock: clock, ledger: ledger, actions: pending}
	a := &App{
		db:       database,
		trail:    trail,
		oracle:   oracle,
		skills:   map[Name]Skill{},
		producer: p,
	}
	a.Register(outreachSkill{p: p})
	a.Register(githubIssueSkill{p: p})
	a.Register(articleSkill{p: p})
	return a
}

func (a *App) Register(s Skill) {
	a.skills[s.Name()] = s
}

// Names lists the registered skills.
func (a *App) Names() []Name {
	out := make([]Name, 0, len(a.skills))
	for n := range a.skills {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *App) Lookup(name Name) (Skill, error) {
	s, ok := a.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	return s, nil
}

// Run checks freshness, audits the start and runs the skill in one
// transaction. A stale context returns *StaleError and runs nothing.
func (a *App) Run(ctx context.Context, name Name, req RunRequest) (RunResult, *string, error) {
	skill, err := a.Lookup(name)
	if err != nil {
		return RunResult{}, nil, err
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	var (
		res     RunResult
		version *string
	)
	err = a.inTx(ctx, func(tx outbox.Tx) error {
		fresh, err := a.oracle.Check(ctx, tx.Q, req.TenantID)
		if err != nil {
			return err
		}
		version = fresh.ContextVersion
		if !fresh.OK {
			return &StaleError{Reason: fresh.Reason}
		}
		_, err = tx.Audit.Record(ctx, audit.Info(req.TenantID, req.UserID, audit.EventSkillRunStarted, "skill="+string(name), map[string]any{
			"context_version": fresh.ContextVersion,
			"skill_name":      string(name),
		}))
		if err != nil {
			return err
		}
		res, err = skill.Run(ctx, tx, req)
		return err
	})
	if err != nil {
		return RunResult{}, version, err
	}

	log.Info().
		Str("tenant_id", req.TenantID).
		Str("skill", string(name)).
		Str("status", string(res.Status)).
		Int("outbox", len(res.OutboxIDs)).
		Int("pending_actions", len(res.PendingActionIDs)).
		Msg("skill run finished")
	return res, version, nil
}

// Producer returns the shared producer for endpoints that queue directly.
func (a *App) Producer() *Producer {
	return a.producer
}

// InTx runs fn in a transaction with a bound audit scope.
func (a *App) InTx(ctx context.Context, fn func(tx outbox.Tx) error) error {
	return a.inTx(ctx, fn)
}

func (a *App) inTx(ctx context.Context, fn func(tx outbox.Tx) error) error {
	var scope *audit.Scope
	bind := func(tx *sql.Tx) *outbox.Tx {
		scope = a.trail.Bind(tx)
		return &outbox.Tx{Q: tx, Audit: scope}
	}
	err := sqlutil.Run(ctx, a.db.DB, bind, func(tx *outbox.Tx) error {
		return fn(*tx)
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
