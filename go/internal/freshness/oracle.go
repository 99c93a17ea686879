// Package freshness answers whether a tenant's bootstrap context is recent
// enough for outbound work to proceed.
package freshness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/documents"
	"github.com/clowbot/clowbot/go/internal/models"
)

// DocumentDomain holds the bootstrap source documents.
const DocumentDomain = "sot"

// RequiredDocTypes must all exist for a context to be fresh.
var RequiredDocTypes = []string{"mission", "status", "next"}

// trackedDocTypes contribute to the context version when present.
var trackedDocTypes = []string{"mission", "status", "next", "backlog", "mindmap_dev", "bootstrap"}

const (
	ReasonOK            = "ok"
	ReasonStale         = "bootstrap_stale"
	ReasonMissingPrefix = "missing_required_documents:"
)

// Result is the outcome of a freshness check.
type Result struct {
	OK             bool
	ContextVersion *string
	Reason         string
}

// Oracle checks tenant context freshness. q lets callers run the check
// inside their own transaction.
type Oracle interface {
	Check(ctx context.Context, q db.Querier, tenantID string) (Result, error)
}

// DocumentOracle derives freshness from the newest bootstrap documents.
type DocumentOracle struct {
	dialect db.Dialect
	clock   clockwork.Clock
	maxAge  time.Duration
}

func NewDocumentOracle(dialect db.Dialect, clock clockwork.Clock, maxAge time.Duration) *DocumentOracle {
	return &DocumentOracle{dialect: dialect, clock: clock, maxAge: maxAge}
}

func (o *DocumentOracle) Check(ctx context.Context, q db.Querier, tenantID string) (Result, error) {
	latest, err := documents.NewRepository(q, o.dialect).LatestByType(ctx, tenantID, DocumentDomain, trackedDocTypes)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load bootstrap documents: %w", err)
	}

	version := contextVersion(latest)

	var missing []string
	for _, t := range RequiredDocTypes {
		if _, ok := latest[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Result{ContextVersion: version, Reason: ReasonMissingPrefix + strings.Join(missing, ",")}, nil
	}

	var refreshedAt time.Time
	for _, d := range latest {
		if d.CreatedAt.After(refreshedAt) {
			refreshedAt = d.CreatedAt
		}
	}
	if o.clock.Since(refreshedAt) > o.maxAge {
		return Result{ContextVersion: version, Reason: ReasonStale}, nil
	}
	return Result{OK: true, ContextVersion: version, Reason: ReasonOK}, nil
}

// contextVersion hashes the content digests of the present documents in doc
// type order. Nil when no document carries a digest.
func contextVersion(latest map[string]*models.Document) *string {
	types := make([]string, 0, len(latest))
	for t, d := range latest {
		if _, ok := d.Meta["content_sha256"].(string); ok {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		return nil
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, t+":"+latest[t].Meta["content_sha256"].(string))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	v := hex.EncodeToString(sum[:])
	return &v
}

// Record stores a new bootstrap source document for docType.
func (o *DocumentOracle) Record(ctx context.Context, q db.Querier, tenantID, docType, content string) (uuid.UUID, error) {
	sum := sha256.Sum256([]byte(content))
	doc := &models.Document{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Domain:      DocumentDomain,
		DocType:     docType,
		Title:       docType,
		ContentText: &content,
		Meta: map[string]any{
			"content_sha256": hex.EncodeToString(sum[:]),
			"refreshed_at":   o.clock.Now().UTC().Format(time.RFC3339Nano),
		},
		CreatedAt: o.clock.Now().UTC(),
	}
	if err := documents.NewRepository(q, o.dialect).Insert(ctx, doc); err != nil {
		return uuid.Nil, err
	}
	return doc.ID, nil
}

// Static always returns the same result. It stands in for the gate when the
// bootstrap check is disabled.
type Static struct {
	Result Result
}

// AlwaysFresh is a Static oracle that never blocks.
func AlwaysFresh() Static {
	return Static{Result: Result{OK: true, Reason: ReasonOK}}
}

func (s Static) Check(context.Context, db.Querier, string) (Result, error) {
	return s.Result, nil
}
