package outbox

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// Service exposes the outbox ledger over HTTP.
type Service struct {
	app *App
}

func NewService(app *App) *Service {
	return &Service{app: app}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /outbox", s.handleList)
	mux.HandleFunc("POST /outbox", s.handleCreate)
	mux.HandleFunc("GET /outbox/{id}", s.handleGet)
}

type listResponse struct {
	Items []*models.OutboxMessage `json:"items"`
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	f := ListFilter{
		TenantID: ident.TenantID,
		Status:   models.OutboxStatus(r.URL.Query().Get("status")),
	}
	items, err := s.app.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", ident.TenantID).Msg("failed to list outbox")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list outbox")
		return
	}
	if items == nil {
		items = []*models.OutboxMessage{}
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse{Items: items})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "INVALID_ID", "id must be a UUID")
		return
	}
	row, err := s.app.Get(r.Context(), ident.TenantID, id)
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "outbox message not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("outbox_id", id.String()).Msg("failed to load outbox message")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to load outbox message")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, row)
}

type createResponse struct {
	OutboxID uuid.UUID `json:"outbox_id"`
}

// handleCreate accepts a raw outbox payload. Repeating the same content
// returns the id of the row created first.
func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	var raw map[string]any
	if !httpapi.DecodeJSON(w, r, &raw) {
		return
	}
	id, err := s.app.CreateOutboxMessage(r.Context(), ident.TenantID, ident.UserID, raw)
	if err != nil {
		WriteCreateError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, createResponse{OutboxID: id})
}

// WriteCreateError maps a CreateOutboxMessage error to a response.
func WriteCreateError(w http.ResponseWriter, err error) {
	var verr *payload.ValidationError
	if errors.As(err, &verr) {
		httpapi.WriteJSON(w, http.StatusUnprocessableEntity, httpapi.ErrorBody{
			Code:   "VALIDATION_ERROR",
			Reason: verr.Error(),
		})
		return
	}
	log.Error().Err(err).Msg("failed to create outbox message")
	httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to create outbox message")
}
