package skills

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// Service exposes skill runs and the direct producer tools.
type Service struct {
	app *App
}

func NewService(app *App) *Service {
	return &Service{app: app}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /skills", s.handleList)
	mux.HandleFunc("POST /skills/{name}/run", s.handleRun)
	mux.HandleFunc("POST /tools/telegram/send", s.handleTelegramSend)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"skills": s.app.Names()})
}

type runRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type runResponse struct {
	RunResult
	ContextVersion *string `json:"context_version"`
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	var body runRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	name := Name(r.PathValue("name"))
	res, version, err := s.app.Run(r.Context(), name, RunRequest{
		TenantID: ident.TenantID,
		UserID:   ident.UserID,
		Inputs:   body.Inputs,
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, runResponse{RunResult: res, ContextVersion: version})
}

type telegramSendRequest struct {
	To        string             `json:"to"`
	Text      string             `json:"text"`
	Allowlist *payload.Allowlist `json:"allowlist"`
}

type telegramSendResponse struct {
	OutboxID          uuid.UUID  `json:"outbox_id"`
	PendingActionID   *uuid.UUID `json:"pending_action_id"`
	ConfirmationToken *string    `json:"confirmation_token,omitempty"`
}

// handleTelegramSend queues one chat message. When the tenant allowlist does
// not cover the target, the response carries the approval action and token.
func (s *Service) handleTelegramSend(w http.ResponseWriter, r *http.Request) {
	ident, ok := httpapi.IdentityFromRequest(w, r)
	if !ok {
		return
	}
	var body telegramSendRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}

	allow := map[string]any{"telegram_chats": []any{}}
	switch {
	case body.Allowlist != nil:
		chats := make([]any, 0, len(body.Allowlist.TelegramChats))
		for _, c := range body.Allowlist.TelegramChats {
			chats = append(chats, c)
		}
		allow["telegram_chats"] = chats
	case body.To != "":
		allow["telegram_chats"] = []any{body.To}
	}
	message := map[string]any{
		"chat":                     map[string]any{"chat_id": nullable(body.To)},
		"parse_mode":               string(payload.ParseModeMarkdown),
		"text":                     body.Text,
		"disable_web_page_preview": true,
	}
	raw := map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindTelegram),
		"context": map[string]any{"source": "api.tools"},
		"policy": map[string]any{
			"risk":              string(payload.RiskYellow),
			"requires_approval": false,
			"allowlist":         allow,
		},
		"message":     message,
		"attachments": []any{},
	}

	req := RunRequest{TenantID: ident.TenantID, UserID: ident.UserID}
	res := newResult()
	var id uuid.UUID
	err := s.app.InTx(r.Context(), func(tx outbox.Tx) error {
		var err error
		id, err = s.app.Producer().Queue(r.Context(), tx, req, raw, &res)
		return err
	})
	if err != nil {
		outbox.WriteCreateError(w, err)
		return
	}

	resp := telegramSendResponse{OutboxID: id}
	if len(res.PendingActionIDs) > 0 {
		actionID := res.PendingActionIDs[0]
		token := res.ConfirmationTokens[actionID.String()]
		resp.PendingActionID = &actionID
		resp.ConfirmationToken = &token
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func writeRunError(w http.ResponseWriter, err error) {
	var stale *StaleError
	var verr *payload.ValidationError
	switch {
	case errors.As(err, &stale):
		httpapi.WriteBootstrapRequired(w, stale.Reason)
	case errors.Is(err, ErrUnknownSkill):
		httpapi.WriteError(w, http.StatusNotFound, "UNKNOWN_SKILL", err.Error())
	case errors.As(err, &verr):
		httpapi.WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", verr.Error())
	default:
		log.Error().Err(err).Msg("skill run failed")
		httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "skill run failed")
	}
}
