package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// Repository handles outbox_messages persistence.
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

const outboxColumns = `id, tenant_id, user_id, channel, "to", subject, body, payload, idempotency_key, metadata, status, created_at, sent_at`

// Insert adds a new row. A duplicate (tenant, idempotency_key) surfaces as a
// unique violation, see db.IsUniqueViolation.
func (r *Repository) Insert(ctx context.Context, m *models.OutboxMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	meta, err := sqlutil.ToJSONColumn(m.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode outbox metadata: %w", err)
	}
	query := r.dialect.Rebind(`INSERT INTO outbox_messages (` + outboxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.q.ExecContext(ctx, query,
		m.ID,
		m.TenantID,
		sqlutil.ToSqlString(m.UserID),
		m.Channel,
		m.To,
		sqlutil.ToSqlString(m.Subject),
		m.Body,
		payloadColumn(m.Payload),
		sqlutil.ToSqlString(m.IdempotencyKey),
		meta,
		string(m.Status),
		m.CreatedAt.UTC(),
		sqlutil.ToSqlTime(m.SentAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// Get returns the row or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.OutboxMessage, error) {
	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_messages WHERE id = ?`)
	return r.one(ctx, query, id)
}

// GetForTenant is Get scoped to one tenant.
func (r *Repository) GetForTenant(ctx context.Context, tenantID string, id uuid.UUID) (*models.OutboxMessage, error) {
	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_messages WHERE tenant_id = ? AND id = ?`)
	return r.one(ctx, query, tenantID, id)
}

// FindByIdempotencyKey returns nil, nil when no row carries the key.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.OutboxMessage, error) {
	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_messages WHERE tenant_id = ? AND idempotency_key = ?`)
	m, err := r.one(ctx, query, tenantID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// ClaimNextQueued returns the oldest QUEUED row not in skip, or nil. On
// Postgres the row stays locked until the caller's transaction ends and
// concurrent claimers skip it.
func (r *Repository) ClaimNextQueued(ctx context.Context, skip []uuid.UUID) (*models.OutboxMessage, error) {
	args := []any{string(models.OutboxStatusQueued)}
	where := `status = ?`
	if len(skip) > 0 {
		where += ` AND id NOT IN (` + placeholders(len(skip)) + `)`
		for _, id := range skip {
			args = append(args, id)
		}
	}
	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_messages WHERE ` + where +
		` ORDER BY created_at ASC, id ASC LIMIT 1` + r.dialect.LockClause())
	m, err := r.one(ctx, query, args...)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// Update writes back the mutable columns: payload, metadata, status and sent_at.
func (r *Repository) Update(ctx context.Context, m *models.OutboxMessage) error {
	meta, err := sqlutil.ToJSONColumn(m.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode outbox metadata: %w", err)
	}
	query := r.dialect.Rebind(`UPDATE outbox_messages
		SET payload = ?, metadata = ?, status = ?, sent_at = ?
		WHERE id = ?`)
	res, err := r.q.ExecContext(ctx, query,
		payloadColumn(m.Payload),
		meta,
		string(m.Status),
		sqlutil.ToSqlTime(m.SentAt),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets the status alone, leaving the rest of the row untouched.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.OutboxStatus, sentAt *time.Time) error {
	query := r.dialect.Rebind(`UPDATE outbox_messages SET status = ?, sent_at = ? WHERE id = ?`)
	res, err := r.q.ExecContext(ctx, query, string(status), sqlutil.ToSqlTime(sentAt), id)
	if err != nil {
		return fmt.Errorf("failed to update outbox status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetToQueued moves a FAILED or SENDING row back to QUEUED. It reports
// false when the row was in any other state.
func (r *Repository) ResetToQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	query := r.dialect.Rebind(`UPDATE outbox_messages SET status = ?, sent_at = NULL
		WHERE id = ? AND status IN (?, ?)`)
	res, err := r.q.ExecContext(ctx, query,
		string(models.OutboxStatusQueued), id,
		string(models.OutboxStatusFailed), string(models.OutboxStatusSending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset outbox message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reset result: %w", err)
	}
	return n == 1, nil
}

// List returns rows newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*models.OutboxMessage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var (
		conds []string
		args  []any
	)
	if f.TenantID != "" {
		conds = append(conds, `tenant_id = ?`)
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, string(f.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, ` AND `)
	}
	args = append(args, limit)

	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_messages` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ?`)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages: %w", err)
	}
	defer rows.Close()

	var out []*models.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of rows per status across all tenants.
func (r *Repository) CountByStatus(ctx context.Context) (map[models.OutboxStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox messages: %w", err)
	}
	defer rows.Close()

	out := map[models.OutboxStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		out[models.OutboxStatus(status)] = n
	}
	return out, rows.Err()
}

// OldestQueuedAt returns the creation time of the oldest QUEUED row, or nil.
func (r *Repository) OldestQueuedAt(ctx context.Context) (*time.Time, error) {
	query := r.dialect.Rebind(`SELECT created_at FROM outbox_messages WHERE status = ? ORDER BY created_at ASC LIMIT 1`)
	var t time.Time
	err := r.q.QueryRowContext(ctx, query, string(models.OutboxStatusQueued)).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest queued message: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

func (r *Repository) one(ctx context.Context, query string, args ...any) (*models.OutboxMessage, error) {
	m, err := scanOutbox(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox message: %w", err)
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(s scanner) (*models.OutboxMessage, error) {
	var (
		m              models.OutboxMessage
		userID         sql.NullString
		subject        sql.NullString
		payload        pqtype.NullRawMessage
		idempotencyKey sql.NullString
		meta           []byte
		status         string
		createdAt      time.Time
		sentAt         sql.NullTime
	)
	err := s.Scan(&m.ID, &m.TenantID, &userID, &m.Channel, &m.To, &subject, &m.Body,
		&payload, &idempotencyKey, &meta, &status, &createdAt, &sentAt)
	if err != nil {
		return nil, err
	}
	m.UserID = sqlutil.FromSqlStringPtr(userID)
	m.Subject = sqlutil.FromSqlStringPtr(subject)
	m.IdempotencyKey = sqlutil.FromSqlStringPtr(idempotencyKey)
	if payload.Valid && len(payload.RawMessage) > 0 {
		m.Payload = append([]byte(nil), payload.RawMessage...)
	}
	m.Status = models.OutboxStatus(status)
	m.CreatedAt = createdAt.UTC()
	m.SentAt = sqlutil.FromSqlTime(sentAt)

	decoded, err := sqlutil.FromJSONColumn(meta)
	if err != nil {
		decoded = map[string]any{}
	}
	m.Meta = models.Meta(decoded)
	return &m, nil
}

func payloadColumn(raw []byte) pqtype.NullRawMessage {
	return pqtype.NullRawMessage{RawMessage: raw, Valid: len(raw) > 0}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
