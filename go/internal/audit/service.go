package audit

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/models"
)

// Service exposes the tenant audit log and the live feed.
type Service struct {
	db   *db.DB
	feed *Feed
}

func NewService(database *db.DB, feed *Feed) *Service {
	return &Service{db: database, feed: feed}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /audit", s.handleList)
	if s.feed != nil {
		mux.Handle("GET /audit/stream", s.feed)
	}
}

type listResponse struct {
	Events []*models.AuditEvent `json:"events"`
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := NewRepository(s.db, s.db.Dialect).ListForTenant(r.Context(), id.TenantID, ListFilter{
		EventType: r.URL.Query().Get("event_type"),
		Limit:     limit,
	})
	if err != nil {
		log.Error().Err(err).Str("tenant_id", id.TenantID).Msg("failed to list audit events")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list audit events")
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse{Events: events})
}
