package documents

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

// Repository reads and appends tenant documents. Documents are never updated.
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

const documentColumns = `id, tenant_id, workflow_id, domain, doc_type, title, content_text, object_key, metadata, created_at`

func (r *Repository) Insert(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	meta, err := sqlutil.ToJSONColumn(doc.Meta)
	if err != nil {
		return err
	}
	query := r.dialect.Rebind(`INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.q.ExecContext(ctx, query,
		doc.ID,
		doc.TenantID,
		sqlutil.ToSqlString(doc.WorkflowID),
		doc.Domain,
		doc.DocType,
		doc.Title,
		sqlutil.ToSqlString(doc.ContentText),
		sqlutil.ToSqlString(doc.ObjectKey),
		meta,
		doc.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Latest returns the newest document of the given type, or nil when none exists.
func (r *Repository) Latest(ctx context.Context, tenantID, domain, docType string) (*models.Document, error) {
	query := r.dialect.Rebind(`SELECT ` + documentColumns + ` FROM documents
		WHERE tenant_id = ? AND domain = ? AND doc_type = ?
		ORDER BY created_at DESC LIMIT 1`)
	doc, err := scanDocument(r.q.QueryRowContext(ctx, query, tenantID, domain, docType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest %s/%s document: %w", domain, docType, err)
	}
	return doc, nil
}

// LatestByType returns the newest document per doc type within domain, keyed
// by doc type. Types without any document are absent from the map.
func (r *Repository) LatestByType(ctx context.Context, tenantID, domain string, docTypes []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(docTypes))
	if len(docTypes) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(docTypes)), ", ")
	args := make([]any, 0, len(docTypes)+2)
	args = append(args, tenantID, domain)
	for _, t := range docTypes {
		args = append(args, t)
	}
	query := r.dialect.Rebind(`SELECT ` + documentColumns + ` FROM documents
		WHERE tenant_id = ? AND domain = ? AND doc_type IN (` + placeholders + `)
		ORDER BY created_at DESC`)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if _, seen := out[doc.DocType]; !seen {
			out[doc.DocType] = doc
		}
	}
	return out, rows.Err()
}

// ListForTenant returns a tenant's documents of one type, newest first.
func (r *Repository) ListForTenant(ctx context.Context, tenantID, domain, docType string, limit int) ([]*models.Document, error) {
	query := r.dialect.Rebind(`SELECT ` + documentColumns + ` FROM documents
		WHERE tenant_id = ? AND domain = ? AND doc_type = ?
		ORDER BY created_at DESC LIMIT ?`)
	rows, err := r.q.QueryContext(ctx, query, tenantID, domain, docType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var (
		doc         models.Document
		workflowID  sql.NullString
		contentText sql.NullString
		objectKey   sql.NullString
		meta        []byte
		createdAt   time.Time
	)
	err := s.Scan(&doc.ID, &doc.TenantID, &workflowID, &doc.Domain, &doc.DocType, &doc.Title,
		&contentText, &objectKey, &meta, &createdAt)
	if err != nil {
		return nil, err
	}
	doc.WorkflowID = sqlutil.FromSqlStringPtr(workflowID)
	doc.ContentText = sqlutil.FromSqlStringPtr(contentText)
	doc.ObjectKey = sqlutil.FromSqlStringPtr(objectKey)
	doc.CreatedAt = createdAt.UTC()
	// a corrupt metadata column surfaces as an empty map; callers treat it as missing data
	if doc.Meta, err = sqlutil.FromJSONColumn(meta); err != nil {
		doc.Meta = map[string]any{}
	}
	return &doc, nil
}
