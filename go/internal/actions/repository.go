package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// Repository handles pending_actions persistence.
type Repository struct {
	q       db.Querier
	dialect db.Dialect
}

func NewRepository(q db.Querier, dialect db.Dialect) *Repository {
	return &Repository{q: q, dialect: dialect}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{q: tx, dialect: r.dialect}
}

const actionColumns = `id, tenant_id, user_id, risk_level, action_type, payload, status, confirmation_token_hash, created_at, decided_at`

func (r *Repository) Insert(ctx context.Context, a *models.PendingAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	body, err := sqlutil.ToJSONColumn(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode action payload: %w", err)
	}
	query := r.dialect.Rebind(`INSERT INTO pending_actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.q.ExecContext(ctx, query,
		a.ID,
		a.TenantID,
		sqlutil.ToSqlString(a.UserID),
		string(a.RiskLevel),
		a.ActionType,
		body,
		string(a.Status),
		sqlutil.ToSqlString(a.ConfirmationTokenHash),
		a.CreatedAt.UTC(),
		sqlutil.ToSqlTime(a.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.PendingAction, error) {
	query := r.dialect.Rebind(`SELECT ` + actionColumns + ` FROM pending_actions WHERE id = ?`)
	return r.one(ctx, query, id)
}

func (r *Repository) GetForTenant(ctx context.Context, tenantID string, id uuid.UUID) (*models.PendingAction, error) {
	query := r.dialect.Rebind(`SELECT ` + actionColumns + ` FROM pending_actions WHERE tenant_id = ? AND id = ?`)
	return r.one(ctx, query, tenantID, id)
}

// Decide moves a PENDING action to status. It reports false when the action
// was no longer PENDING, so of two concurrent deciders exactly one wins.
func (r *Repository) Decide(ctx context.Context, id uuid.UUID, status models.ActionStatus, userID *string, at time.Time) (bool, error) {
	query := r.dialect.Rebind(`UPDATE pending_actions
		SET status = ?, decided_at = ?, user_id = COALESCE(user_id, ?)
		WHERE id = ? AND status = ?`)
	res, err := r.q.ExecContext(ctx, query,
		string(status),
		at.UTC(),
		sqlutil.ToSqlString(userID),
		id,
		string(models.ActionStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to decide pending action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read decision result: %w", err)
	}
	return n == 1, nil
}

// SetStatus records the executor's verdict on an APPROVED action.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.ActionStatus) error {
	query := r.dialect.Rebind(`UPDATE pending_actions SET status = ? WHERE id = ?`)
	res, err := r.q.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextApproved returns the oldest APPROVED action not in skip, or nil,
// locking it on Postgres the same way the outbox claim does.
func (r *Repository) ClaimNextApproved(ctx context.Context, skip []uuid.UUID) (*models.PendingAction, error) {
	args := []any{string(models.ActionStatusApproved)}
	where := `status = ?`
	if len(skip) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(skip)), ", ")
		where += ` AND id NOT IN (` + marks + `)`
		for _, id := range skip {
			args = append(args, id)
		}
	}
	query := r.dialect.Rebind(`SELECT ` + actionColumns + ` FROM pending_actions WHERE ` + where +
		` ORDER BY created_at ASC, id ASC LIMIT 1` + r.dialect.LockClause())
	a, err := r.one(ctx, query, args...)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// List returns a tenant's actions oldest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*models.PendingAction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	status := f.Status
	if status == "" {
		status = models.ActionStatusPending
	}
	query := r.dialect.Rebind(`SELECT ` + actionColumns + ` FROM pending_actions
		WHERE tenant_id = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ?`)
	rows, err := r.q.QueryContext(ctx, query, f.TenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) one(ctx context.Context, query string, args ...any) (*models.PendingAction, error) {
	a, err := scanAction(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending action: %w", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (*models.PendingAction, error) {
	var (
		a         models.PendingAction
		userID    sql.NullString
		risk      string
		body      []byte
		status    string
		tokenHash sql.NullString
		decidedAt sql.NullTime
	)
	err := s.Scan(&a.ID, &a.TenantID, &userID, &risk, &a.ActionType, &body, &status, &tokenHash, &a.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	a.UserID = sqlutil.FromSqlStringPtr(userID)
	a.RiskLevel = models.RiskLevel(risk)
	a.Status = models.ActionStatus(status)
	a.ConfirmationTokenHash = sqlutil.FromSqlStringPtr(tokenHash)
	a.DecidedAt = sqlutil.FromSqlTime(decidedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	if a.Payload, err = sqlutil.FromJSONColumn(body); err != nil {
		return nil, err
	}
	return &a, nil
}
