package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// Service exposes the admin allowlist endpoints.
type Service struct {
	db    *db.DB
	store *Store
	trail *audit.Trail
	guard httpapi.AdminGuard
}

func NewService(database *db.DB, store *Store, trail *audit.Trail, guard httpapi.AdminGuard) *Service {
	return &Service{db: database, store: store, trail: trail, guard: guard}
}

// Register mounts the routes on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /policy/allowlist", s.handleGet)
	mux.HandleFunc("PUT /policy/allowlist", s.handlePut)
	mux.HandleFunc("PATCH /policy/allowlist", s.handleAdd)
}

type allowlistResponse struct {
	TenantID   string            `json:"tenant_id"`
	DocumentID *string           `json:"document_id"`
	Allowlist  payload.Allowlist `json:"allowlist"`
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.admit(w, r)
	if !ok {
		return
	}
	loaded, err := s.store.Load(r.Context(), s.db, tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to load allowlist")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to load allowlist")
		return
	}
	s.writeLoaded(w, tenantID, loaded)
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.admit(w, r)
	if !ok {
		return
	}
	allow, ok := decodeAllowlistBody(w, r)
	if !ok {
		return
	}
	loaded, err := Update(r.Context(), s.db, s.trail, tenantID, nil, "replace", func(q db.Querier) (Loaded, error) {
		docID, err := s.store.Replace(r.Context(), q, tenantID, allow)
		if err != nil {
			return Loaded{}, err
		}
		return Loaded{Allowlist: payload.Merge(allow, payload.Allowlist{}), DocumentID: &docID}, nil
	})
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to replace allowlist")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to store allowlist")
		return
	}
	s.writeLoaded(w, tenantID, loaded)
}

func (s *Service) handleAdd(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.admit(w, r)
	if !ok {
		return
	}
	extra, ok := decodeAllowlistBody(w, r)
	if !ok {
		return
	}
	loaded, err := Update(r.Context(), s.db, s.trail, tenantID, nil, "add", func(q db.Querier) (Loaded, error) {
		return s.store.Add(r.Context(), q, tenantID, extra)
	})
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to extend allowlist")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to store allowlist")
		return
	}
	s.writeLoaded(w, tenantID, loaded)
}

// Update stores a new allowlist version through fn and records its audit
// event in the same transaction. userID names the operator when known.
func Update(ctx context.Context, database *db.DB, trail *audit.Trail, tenantID string, userID *string, op string, fn func(q db.Querier) (Loaded, error)) (Loaded, error) {
	var (
		loaded Loaded
		scope  *audit.Scope
	)
	bind := func(tx *sql.Tx) *sql.Tx {
		scope = trail.Bind(tx)
		return tx
	}
	err := sqlutil.Run(ctx, database.DB, bind, func(tx *sql.Tx) error {
		var err error
		if loaded, err = fn(tx); err != nil {
			return err
		}
		_, err = scope.Record(ctx, audit.Info(tenantID, userID, audit.EventAllowlistUpdated, "allowlist_"+op, map[string]any{
			"document_id":    documentIDString(loaded.DocumentID),
			"operation":      op,
			"telegram_chats": len(loaded.Allowlist.TelegramChats),
			"github_repos":   len(loaded.Allowlist.GitHubRepos),
			"emails":         len(loaded.Allowlist.Emails),
			"email_domains":  len(loaded.Allowlist.EmailDomains),
		}))
		return err
	})
	if err != nil {
		if scope != nil {
			scope.Discard()
		}
		return Loaded{}, err
	}
	scope.Flush(ctx)
	return loaded, nil
}

func documentIDString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func (s *Service) writeLoaded(w http.ResponseWriter, tenantID string, loaded Loaded) {
	resp := allowlistResponse{TenantID: tenantID, Allowlist: loaded.Allowlist}
	if loaded.DocumentID != nil {
		id := loaded.DocumentID.String()
		resp.DocumentID = &id
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.guard.Allow(w, r) {
		return "", false
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "TENANT_REQUIRED", "tenant_id query parameter required")
		return "", false
	}
	return tenantID, true
}

// decodeAllowlistBody accepts either {"allowlist": {...}} or the bare allowlist.
func decodeAllowlistBody(w http.ResponseWriter, r *http.Request) (payload.Allowlist, bool) {
	var body map[string]json.RawMessage
	if !httpapi.DecodeJSON(w, r, &body) {
		return payload.Allowlist{}, false
	}
	raw, err := json.Marshal(body)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "INVALID_ALLOWLIST", err.Error())
		return payload.Allowlist{}, false
	}
	if nested, ok := body["allowlist"]; ok {
		raw = nested
	}
	var allow payload.Allowlist
	if err := json.Unmarshal(raw, &allow); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "INVALID_ALLOWLIST", err.Error())
		return payload.Allowlist{}, false
	}
	return allow, true
}
