package actions

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/models"
)

// Service exposes the pending-action ledger over HTTP.
type Service struct {
	app *App
}

func NewService(app *App) *Service {
	return &Service{app: app}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /actions/pending", s.handleListPending)
	mux.HandleFunc("POST /actions", s.handleCreate)
	mux.HandleFunc("POST /actions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /actions/{id}/reject", s.handleReject)
}

type actionView struct {
	ID         uuid.UUID           `json:"id"`
	RiskLevel  models.RiskLevel    `json:"risk_level"`
	ActionType string              `json:"action_type"`
	Payload    map[string]any      `json:"payload"`
	Status     models.ActionStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
}

type listPendingResponse struct {
	Items []actionView `json:"items"`
}

func (s *Service) handleListPending(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	items, err := s.app.ListPending(r.Context(), ident.TenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", ident.TenantID).Msg("failed to list pending actions")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list pending actions")
		return
	}
	resp := listPendingResponse{Items: make([]actionView, 0, len(items))}
	for _, a := range items {
		resp.Items = append(resp.Items, actionView{
			ID:         a.ID,
			RiskLevel:  a.RiskLevel,
			ActionType: a.ActionType,
			Payload:    a.Payload,
			Status:     a.Status,
			CreatedAt:  a.CreatedAt,
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

type createRequest struct {
	RiskLevel  models.RiskLevel `json:"risk_level"`
	ActionType string           `json:"action_type"`
	Payload    map[string]any   `json:"payload"`
}

type createResponse struct {
	ID                uuid.UUID           `json:"id"`
	Status            models.ActionStatus `json:"status"`
	ConfirmationToken string              `json:"confirmation_token"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	var body createRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	if body.ActionType == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "ACTION_TYPE_REQUIRED", "action_type is required")
		return
	}
	if body.RiskLevel == "" {
		body.RiskLevel = models.RiskRed
	}
	if !body.RiskLevel.Valid() {
		httpapi.WriteError(w, http.StatusBadRequest, "INVALID_RISK_LEVEL", "risk_level must be GREEN, YELLOW or RED")
		return
	}
	action, token, err := s.app.Create(r.Context(), CreateRequest{
		TenantID:   ident.TenantID,
		UserID:     ident.UserID,
		RiskLevel:  body.RiskLevel,
		ActionType: ToolType(body.ActionType),
		Payload:    body.Payload,
	})
	if err != nil {
		log.Error().Err(err).Str("tenant_id", ident.TenantID).Msg("failed to create pending action")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to create pending action")
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, createResponse{ID: action.ID, Status: action.Status, ConfirmationToken: token})
}

type approveRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

func (s *Service) handleApprove(w http.ResponseWriter, r *http.Request) {
	ident, id, ok := s.target(w, r)
	if !ok {
		return
	}
	var body approveRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	d, err := s.app.Approve(r.Context(), ident.TenantID, id, ident.UserID, body.ConfirmationToken)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

func (s *Service) handleReject(w http.ResponseWriter, r *http.Request) {
	ident, id, ok := s.target(w, r)
	if !ok {
		return
	}
	d, err := s.app.Reject(r.Context(), ident.TenantID, id, ident.UserID)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

func (s *Service) target(w http.ResponseWriter, r *http.Request) (httpapi.Identity, uuid.UUID, bool) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return httpapi.Identity{}, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "INVALID_ID", "id must be a UUID")
		return httpapi.Identity{}, uuid.Nil, false
	}
	return ident, id, true
}

func writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "action not found")
	case errors.Is(err, ErrNotPending):
		httpapi.WriteError(w, http.StatusConflict, "NOT_PENDING", err.Error())
	case errors.Is(err, ErrInvalidToken):
		httpapi.WriteError(w, http.StatusForbidden, "INVALID_CONFIRMATION_TOKEN", "invalid confirmation_token")
	default:
		log.Error().Err(err).Msg("failed to decide pending action")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to decide pending action")
	}
}
