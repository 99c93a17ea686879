package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/documents"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

const (
	DocumentDomain   = "policy"
	DocumentType     = "policy_allowlist"
	allowlistMetaKey = "allowlist"
)

// Loaded is the tenant allowlist together with the document it came from.
type Loaded struct {
	Allowlist  payload.Allowlist
	DocumentID *uuid.UUID
}

// Store keeps tenant allowlists as append-only documents. The newest
// document by creation time is the current allowlist.
type Store struct {
	dialect db.Dialect
	clock   clockwork.Clock
}

func NewStore(dialect db.Dialect, clock clockwork.Clock) *Store {
	return &Store{dialect: dialect, clock: clock}
}

// Load returns the current allowlist. A missing or malformed document yields
// an empty allowlist, which allows nothing.
func (s *Store) Load(ctx context.Context, q db.Querier, tenantID string) (Loaded, error) {
	doc, err := documents.NewRepository(q, s.dialect).Latest(ctx, tenantID, DocumentDomain, DocumentType)
	if err != nil {
		return Loaded{}, fmt.Errorf("failed to load allowlist: %w", err)
	}
	if doc == nil {
		return Loaded{Allowlist: payload.EmptyAllowlist()}, nil
	}

	id := doc.ID
	allow, err := decodeAllowlist(doc.Meta[allowlistMetaKey])
	if err != nil {
		log.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("document_id", id.String()).
			Msg("malformed allowlist document, treating as empty")
		return Loaded{Allowlist: payload.EmptyAllowlist(), DocumentID: &id}, nil
	}
	return Loaded{Allowlist: allow, DocumentID: &id}, nil
}

// Replace writes allow as the tenant's new current allowlist.
func (s *Store) Replace(ctx context.Context, q db.Querier, tenantID string, allow payload.Allowlist) (uuid.UUID, error) {
	repo := documents.NewRepository(q, s.dialect)

	now := s.clock.Now().UTC()
	// versions are ordered by created_at, so a new one must sort after the current
	if latest, err := repo.Latest(ctx, tenantID, DocumentDomain, DocumentType); err == nil && latest != nil {
		if !now.After(latest.CreatedAt) {
			now = latest.CreatedAt.Add(time.Microsecond)
		}
	}

	allow = payload.Merge(allow, payload.Allowlist{})
	meta := map[string]any{allowlistMetaKey: allowlistAsMap(allow)}
	doc := &models.Document{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Domain:    DocumentDomain,
		DocType:   DocumentType,
		Title:     "Policy allowlist",
		Meta:      meta,
		CreatedAt: now,
	}
	if err := repo.Insert(ctx, doc); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store allowlist: %w", err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("document_id", doc.ID.String()).
		Int("telegram_chats", len(allow.TelegramChats)).
		Int("github_repos", len(allow.GitHubRepos)).
		Int("emails", len(allow.Emails)).
		Int("email_domains", len(allow.EmailDomains)).
		Msg("allowlist replaced")

	return doc.ID, nil
}

// Add unions extra into the current allowlist and stores the result.
func (s *Store) Add(ctx context.Context, q db.Querier, tenantID string, extra payload.Allowlist) (Loaded, error) {
	current, err := s.Load(ctx, q, tenantID)
	if err != nil {
		return Loaded{}, err
	}
	merged := payload.Merge(current.Allowlist, extra)
	id, err := s.Replace(ctx, q, tenantID, merged)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Allowlist: merged, DocumentID: &id}, nil
}

func decodeAllowlist(v any) (payload.Allowlist, error) {
	if v == nil {
		return payload.EmptyAllowlist(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return payload.Allowlist{}, err
	}
	var allow payload.Allowlist
	if err := json.Unmarshal(raw, &allow); err != nil {
		return payload.Allowlist{}, err
	}
	return payload.Merge(allow, payload.Allowlist{}), nil
}

func allowlistAsMap(a payload.Allowlist) map[string]any {
	return map[string]any{
		"email_domains":  a.EmailDomains,
		"emails":         a.Emails,
		"telegram_chats": a.TelegramChats,
		"github_repos":   a.GitHubRepos,
	}
}
