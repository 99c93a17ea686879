package telegram_client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	var got SendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botsecret/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":1,"chat":{"id":7}}}`))
	}))
	defer srv.Close()

	c := NewTelegramClient(srv.URL, "secret", time.Second)
	msg, err := c.SendMessage(context.Background(), SendMessageRequest{ChatID: "7", Text: "hi", DisableWebPagePreview: true})
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.MessageID)
	assert.Equal(t, "7", got.ChatID)
	assert.True(t, got.DisableWebPagePreview)
}

func TestSendMessage_APIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{name: "bad request", status: 400, body: `{"ok":false,"description":"chat not found"}`, retryable: false},
		{name: "server error", status: 502, body: `bad gateway`, retryable: true},
		{name: "ok false on 200", status: 200, body: `{"ok":false,"description":"nope"}`, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewTelegramClient(srv.URL, "secret", time.Second).SendMessage(context.Background(), SendMessageRequest{ChatID: "1", Text: "x"})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.retryable, apiErr.Retryable())
		})
	}
}

func TestSendMessage_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewTelegramClient(url, "supersecret", time.Second).SendMessage(context.Background(), SendMessageRequest{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "supersecret")
}
