package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// Repository appends to and reads audit_logs.
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

const auditColumns = `id, tenant_id, user_id, event_type, severity, message, context, created_at`

func (r *Repository) Insert(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	payload, err := sqlutil.ToJSONColumn(e.Context)
	if err != nil {
		return fmt.Errorf("failed to encode audit context: %w", err)
	}
	query := r.dialect.Rebind(`INSERT INTO audit_logs (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.q.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		sqlutil.ToSqlString(e.UserID),
		e.EventType,
		string(e.Severity),
		e.Message,
		payload,
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListFilter narrows ListForTenant. Zero values match everything.
type ListFilter struct {
	EventType string
	Limit     int
}

// ListForTenant returns a tenant's events newest first.
func (r *Repository) ListForTenant(ctx context.Context, tenantID string, f ListFilter) ([]*models.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	args := []any{tenantID}
	where := `tenant_id = ?`
	if f.EventType != "" {
		where += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	args = append(args, limit)

	query := r.dialect.Rebind(`SELECT ` + auditColumns + ` FROM audit_logs WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ?`)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var (
			e         models.AuditEvent
			userID    sql.NullString
			severity  string
			raw       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &userID, &e.EventType, &severity, &e.Message, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.UserID = sqlutil.FromSqlStringPtr(userID)
		e.Severity = models.Severity(severity)
		e.CreatedAt = createdAt.UTC()
		if e.Context, err = sqlutil.FromJSONColumn(raw); err != nil {
			e.Context = map[string]any{}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountByType returns how many events of eventType a tenant has.
func (r *Repository) CountByType(ctx context.Context, tenantID, eventType string) (int, error) {
	query := r.dialect.Rebind(`SELECT COUNT(*) FROM audit_logs WHERE tenant_id = ? AND event_type = ?`)
	var n int
	if err := r.q.QueryRowContext(ctx, query, tenantID, eventType).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}
