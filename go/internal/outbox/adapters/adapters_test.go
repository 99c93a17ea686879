package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

func issuePayload() *payload.Payload {
	return &payload.Payload{
		Schema:         payload.SchemaV1,
		Kind:           payload.KindGitHubIssue,
		IdempotencyKey: "k1",
		Policy:         payload.Policy{Risk: payload.RiskYellow},
		Attachments: []payload.Attachment{
			{ID: "a1", Filename: "log.txt", ContentType: "text/plain", ObjectKey: "t1/log.txt", Disposition: "attachment"},
		},
		GitHubIssue: &payload.GitHubIssueMessage{
			Repo:   "acme/app",
			Title:  "Crash on start",
			Body:   payload.GitHubIssueBody{Markdown: "Steps..."},
			Labels: []string{"bug"},
		},
	}
}

func chatPayload(chatID string) *payload.Payload {
	return &payload.Payload{
		Schema:         payload.SchemaV1,
		Kind:           payload.KindTelegram,
		IdempotencyKey: "k2",
		Telegram: &payload.TelegramMessage{
			Chat:                  payload.TelegramChat{ChatID: &chatID},
			ParseMode:             payload.ParseModePlain,
			Text:                  "hello",
			DisableWebPagePreview: true,
		},
	}
}

func row() *models.OutboxMessage {
	return &models.OutboxMessage{Meta: models.Meta{}}
}

func TestGitHubIssueAdapter_Sends(t *testing.T) {
	var gotAuth string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/app/issues", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":99,"number":7,"html_url":"https://github.com/acme/app/issues/7","url":"u","title":"Crash on start","body":"huge"}`))
	}))
	defer srv.Close()

	a := NewGitHubIssueAdapter(Config{RealSendEnabled: true, GitHubToken: "tok", GitHubAPIBase: srv.URL, Timeout: time.Second})
	res := a.Send(context.Background(), issuePayload(), row())

	require.Equal(t, StatusSent, res.Status)
	assert.Equal(t, "7", res.ExternalID)
	assert.Equal(t, "https://github.com/acme/app/issues/7", res.ExternalURL)
	assert.NotContains(t, res.RawResponse, "body")
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, got["body"], "## Attachments")
	assert.Contains(t, got["body"], "- log.txt (t1/log.txt)")
}

func TestGitHubIssueAdapter_ExistingExternalSkipsNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	a := NewGitHubIssueAdapter(Config{RealSendEnabled: true, GitHubToken: "tok", GitHubAPIBase: srv.URL})
	r := row()
	r.Meta["external"] = map[string]any{"id": "7", "url": "https://x/7"}

	res := a.Send(context.Background(), issuePayload(), r)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, "7", res.ExternalID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestGitHubIssueAdapter_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "client error is permanent", status: http.StatusUnprocessableEntity, retryable: false},
		{name: "not found is permanent", status: http.StatusNotFound, retryable: false},
		{name: "server error is retryable", status: http.StatusBadGateway, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(strings.Repeat("x", 5000)))
			}))
			defer srv.Close()

			a := NewGitHubIssueAdapter(Config{RealSendEnabled: true, GitHubToken: "tok", GitHubAPIBase: srv.URL})
			res := a.Send(context.Background(), issuePayload(), row())
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, tt.retryable, res.Retryable)
			assert.LessOrEqual(t, len([]rune(res.RawResponse["text"].(string))), rawLimit+1)
		})
	}
}

func TestGitHubIssueAdapter_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	a := NewGitHubIssueAdapter(Config{RealSendEnabled: true, GitHubToken: "tok", GitHubAPIBase: srv.URL, Timeout: 20 * time.Millisecond})
	res := a.Send(context.Background(), issuePayload(), row())
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Retryable)
}

func TestGitHubIssueAdapter_DryRunAndKindMismatch(t *testing.T) {
	ctx := context.Background()

	res := NewGitHubIssueAdapter(Config{RealSendEnabled: false, GitHubToken: "tok"}).Send(ctx, issuePayload(), row())
	assert.Equal(t, StatusDryRun, res.Status)

	res = NewGitHubIssueAdapter(Config{RealSendEnabled: true}).Send(ctx, issuePayload(), row())
	assert.Equal(t, StatusDryRun, res.Status)
	assert.Equal(t, "missing GITHUB_TOKEN", res.Reason)

	res = NewGitHubIssueAdapter(Config{RealSendEnabled: true, GitHubToken: "tok"}).Send(ctx, chatPayload("1"), row())
	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.Retryable)
	assert.Equal(t, "wrong_payload_kind", res.Reason)
}

func TestTelegramAdapter(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["chat_id"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":5,"chat":{"id":123}}}`))
	}))
	defer srv.Close()

	a := NewTelegramAdapter(Config{RealSendEnabled: true, TelegramBotToken: "bot", TelegramAPIBase: srv.URL})

	res := a.Send(context.Background(), chatPayload("123"), row())
	require.Equal(t, StatusSent, res.Status)
	assert.Equal(t, "5", res.ExternalID)
	_, hasParseMode := got["parse_mode"]
	assert.False(t, hasParseMode, "Plain sends no parse_mode")

	res = a.Send(context.Background(), chatPayload("bad"), row())
	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.Retryable)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(Config{})
	_, err := r.Lookup(payload.KindGitHubIssue)
	require.NoError(t, err)

	_, err = r.Lookup(payload.KindTelegram)
	assert.True(t, errors.Is(err, ErrNoAdapter))

	r = NewDefaultRegistry(Config{TelegramBotToken: "x"})
	assert.True(t, r.Has(payload.KindTelegram))
	assert.False(t, r.Has(payload.KindEmail))
}

func TestTruncateAndWrap(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab…", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "こん…", Truncate("こんにちは", 2))

	assert.True(t, errors.Is(WrapTransient(nil), ErrTransient))
	assert.True(t, errors.Is(WrapPermanent(errors.New("x")), ErrPermanent))
	assert.False(t, Failed(WrapPermanent(errors.New("x")), nil).Retryable)
	assert.True(t, Failed(WrapTransient(errors.New("x")), nil).Retryable)
}
