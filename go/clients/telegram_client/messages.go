package telegram_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/clowbot/clowbot/go/clients"
)

type SendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
	ReplyToMessageID      *int64 `json:"reply_to_message_id,omitempty"`
}

type Message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"chat"`
}

type sendMessageResponse struct {
	OK          bool    `json:"ok"`
	Description string  `json:"description"`
	Result      Message `json:"result"`
}

// APIError is an ok=false reply from the Bot API.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sendMessage failed: status=%d description=%s", e.StatusCode, e.Description)
}

func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func (c *TelegramClient) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	body, err := c.call(ctx, SendMessageMethod, req)
	if err != nil {
		var httpErr *clients.HTTPError
		if errors.As(err, &httpErr) {
			var resp sendMessageResponse
			if json.Unmarshal(body, &resp) == nil && resp.Description != "" {
				return nil, &APIError{StatusCode: httpErr.StatusCode, Description: resp.Description}
			}
			return nil, &APIError{StatusCode: httpErr.StatusCode, Description: httpErr.Body}
		}
		return nil, c.redact(err)
	}

	var resp sendMessageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("non-JSON response: %w", err)
	}
	if !resp.OK {
		return nil, &APIError{StatusCode: 200, Description: resp.Description}
	}
	return &resp.Result, nil
}

// redactedError hides the bot token that transport errors echo through the URL.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func (c *TelegramClient) redact(err error) error {
	if c.token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), c.token, "<redacted>"), err: err}
}
