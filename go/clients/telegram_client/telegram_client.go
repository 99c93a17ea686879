package telegram_client

import (
	"context"
	"time"

	"github.com/clowbot/clowbot/go/clients"
)

type TelegramClient struct {
	*clients.BaseClient
	token string
}

func NewTelegramClient(baseURL, token string, timeout time.Duration) *TelegramClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &TelegramClient{
		BaseClient: clients.NewBaseClient(baseURL),
		token:      token,
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return client
}

// call posts in to a bot method; the token goes into the path, not a header.
func (c *TelegramClient) call(ctx context.Context, method string, in any) ([]byte, error) {
	return c.PostJSON(ctx, "/bot"+c.token+"/"+method, in)
}
