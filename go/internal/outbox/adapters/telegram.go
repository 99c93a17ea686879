package adapters

import (
	"context"
	"errors"
	"strconv"

	"github.com/clowbot/clowbot/go/clients/telegram_client"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// TelegramAdapter sends chat messages through the Bot API.
type TelegramAdapter struct {
	client   *telegram_client.TelegramClient
	realSend bool
}

func NewTelegramAdapter(cfg Config) *TelegramAdapter {
	a := &TelegramAdapter{realSend: cfg.RealSendEnabled}
	if cfg.TelegramBotToken != "" {
		a.client = telegram_client.NewTelegramClient(cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.Timeout)
	}
	return a
}

func (a *TelegramAdapter) Kind() payload.Kind { return payload.KindTelegram }

func (a *TelegramAdapter) Send(ctx context.Context, p *payload.Payload, row *models.OutboxMessage) SendResult {
	if res, ok := AlreadySent(row); ok {
		return res
	}
	if p == nil || p.Kind != payload.KindTelegram || p.Telegram == nil {
		return SendResult{Status: StatusFailed, Reason: "wrong_payload_kind"}
	}
	if !a.realSend {
		return SendResult{Status: StatusDryRun, Reason: "OUTBOX_REAL_SEND_ENABLED=false"}
	}
	if a.client == nil {
		return SendResult{Status: StatusDryRun, Reason: "missing TELEGRAM_BOT_TOKEN"}
	}

	msg := p.Telegram
	target := msg.Chat.Target()
	if target == "" {
		return Failed(WrapPermanent(errors.New("telegram chat target missing")), nil)
	}
	req := telegram_client.SendMessageRequest{
		ChatID:                target,
		Text:                  msg.Text,
		DisableWebPagePreview: msg.DisableWebPagePreview,
		DisableNotification:   msg.Silent,
		ReplyToMessageID:      msg.ReplyToMessageID,
	}
	if msg.ParseMode != payload.ParseModePlain {
		req.ParseMode = string(msg.ParseMode)
	}

	sent, err := a.client.SendMessage(ctx, req)
	if err != nil {
		var apiErr *telegram_client.APIError
		if errors.As(err, &apiErr) {
			raw := map[string]any{"status_code": apiErr.StatusCode, "text": Truncate(apiErr.Description, rawLimit)}
			if apiErr.Retryable() {
				return Failed(WrapTransient(err), raw)
			}
			return Failed(WrapPermanent(err), raw)
		}
		return Failed(WrapTransient(err), nil)
	}

	return SendResult{
		Status:     StatusSent,
		ExternalID: strconv.FormatInt(sent.MessageID, 10),
		RawResponse: map[string]any{
			"message_id": sent.MessageID,
			"chat_id":    sent.Chat.ID,
		},
	}
}
