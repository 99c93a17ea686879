package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emailPayload() map[string]any {
	return map[string]any{
		"schema":          SchemaV1,
		"kind":            "email",
		"idempotency_key": "",
		"context":         map[string]any{"source": "test"},
		"policy": map[string]any{
			"risk":              "YELLOW",
			"requires_approval": false,
			"allowlist":         map[string]any{"emails": []any{"a@b.com"}},
		},
		"message": map[string]any{
			"from":    map[string]any{"name": "X", "email": "x@b.com"},
			"to":      []any{map[string]any{"email": "a@b.com", "name": "A"}},
			"subject": "S",
			"body":    map[string]any{"text": "Hi"},
		},
		"attachments": []any{},
	}
}

func telegramPayload(chatID string) map[string]any {
	return map[string]any{
		"kind":            "telegram",
		"idempotency_key": "k1",
		"message": map[string]any{
			"chat": map[string]any{"chat_id": chatID},
			"text": "hello",
		},
	}
}

func TestFromMap_ValidEmail(t *testing.T) {
	m := emailPayload()
	key, err := ComputeIdempotencyKey(m)
	require.NoError(t, err)
	m["idempotency_key"] = key

	p, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, KindEmail, p.Kind)
	assert.Equal(t, SchemaV1, p.Schema)
	require.NotNil(t, p.Email)
	assert.Equal(t, "a@b.com", p.Target())
	assert.Equal(t, "S", *p.Subject())
	assert.Equal(t, "Hi", p.Body())
	assert.Equal(t, []string{"a@b.com"}, p.Email.Recipients())
}

func TestFromMap_TelegramDefaults(t *testing.T) {
	p, err := FromMap(telegramPayload("123"))
	require.NoError(t, err)
	require.NotNil(t, p.Telegram)
	assert.Equal(t, ParseModeMarkdown, p.Telegram.ParseMode)
	assert.True(t, p.Telegram.DisableWebPagePreview)
	assert.Equal(t, RiskYellow, p.Policy.Risk)
	assert.False(t, p.Policy.RequiresApproval)
	assert.Equal(t, "123", p.Target())
	assert.Nil(t, p.Subject())
}

func TestFromMap_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
		path   string
	}{
		{"missing message", func(m map[string]any) { delete(m, "message") }, "message"},
		{"unknown kind", func(m map[string]any) { m["kind"] = "sms" }, "kind"},
		{"wrong schema", func(m map[string]any) { m["schema"] = "clowbot.outbox.v2" }, "schema"},
		{"missing key", func(m map[string]any) { m["idempotency_key"] = "" }, "idempotency_key"},
		{"bad risk", func(m map[string]any) { m["policy"] = map[string]any{"risk": "PURPLE"} }, "policy.risk"},
		{"missing text", func(m map[string]any) {
			delete(m["message"].(map[string]any), "text")
		}, "message.text"},
		{"extra message field", func(m map[string]any) {
			m["message"].(map[string]any)["repo"] = "a/b"
		}, "message.repo"},
		{"bad parse mode", func(m map[string]any) {
			m["message"].(map[string]any)["parse_mode"] = "RTF"
		}, "message.parse_mode"},
		{"wrong text type", func(m map[string]any) {
			m["message"].(map[string]any)["text"] = 5
		}, "message.text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := telegramPayload("123")
			tt.mutate(m)
			_, err := FromMap(m)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.path, verr.Path)
		})
	}
}

func TestFromMap_EmailRequiresRecipients(t *testing.T) {
	m := emailPayload()
	m["idempotency_key"] = "k"
	m["message"].(map[string]any)["to"] = []any{}
	_, err := FromMap(m)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message.to", verr.Path)
}

func TestFromMap_GitHubIssueBodyMarkdownRequired(t *testing.T) {
	m := map[string]any{
		"kind":            "github_issue",
		"idempotency_key": "k",
		"message": map[string]any{
			"repo":  "acme/app",
			"title": "Bug",
			"body":  map[string]any{"text": "no markdown"},
		},
	}
	_, err := FromMap(m)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message.body.markdown", verr.Path)
}

func TestComputeIdempotencyKey(t *testing.T) {
	a := emailPayload()
	b := emailPayload()
	b["idempotency_key"] = "something-else"

	ka, err := ComputeIdempotencyKey(a)
	require.NoError(t, err)
	kb, err := ComputeIdempotencyKey(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb, "key field must not affect the hash")
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ka)

	again, err := ComputeIdempotencyKey(a)
	require.NoError(t, err)
	assert.Equal(t, ka, again)

	b["message"].(map[string]any)["subject"] = "other"
	kc, err := ComputeIdempotencyKey(b)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}

func TestComputeIdempotencyKey_FieldOrderIndependent(t *testing.T) {
	var x, y map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"telegram","message":{"text":"a","chat":{"chat_id":"1"}}}`), &x))
	require.NoError(t, json.Unmarshal([]byte(`{"message":{"chat":{"chat_id":"1"},"text":"a"},"kind":"telegram"}`), &y))
	kx, err := ComputeIdempotencyKey(x)
	require.NoError(t, err)
	ky, err := ComputeIdempotencyKey(y)
	require.NoError(t, err)
	assert.Equal(t, kx, ky)
}

func TestCanonicalJSON_NoHTMLEscape(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"b": "<x>", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"<x>"}`, string(out))
}

func TestCanonicalJSON_LineSeparatorsUnescaped(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"text": "a\u2028b\u2029c", "path": `C:\u2028`})
	require.NoError(t, err)
	assert.Equal(t, "{\"path\":\"C:\\\\u2028\",\"text\":\"a\u2028b\u2029c\"}", string(out))
	assert.NotContains(t, string(out), `a\u2028`)
}

func TestFromMap_ToleratesExtraKeys(t *testing.T) {
	plain := telegramPayload("123")
	extra := telegramPayload("123")
	extra["priority"] = "high"
	extra["context"] = map[string]any{"source": "cron", "run": 7}

	p, err := FromMap(extra)
	require.NoError(t, err)
	require.NotNil(t, p.Context.Source)
	assert.Equal(t, "cron", *p.Context.Source)

	m, err := p.Canonical()
	require.NoError(t, err)
	assert.NotContains(t, m, "priority")
	assert.NotContains(t, m["context"], "run")

	// the computed key hashes the payload as submitted, extras included
	kp, err := ComputeIdempotencyKey(plain)
	require.NoError(t, err)
	ke, err := ComputeIdempotencyKey(extra)
	require.NoError(t, err)
	assert.NotEqual(t, kp, ke)
}

func TestCanonical_RoundTrip(t *testing.T) {
	p, err := FromMap(telegramPayload("123"))
	require.NoError(t, err)
	m, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, SchemaV1, m["schema"])
	assert.Equal(t, "Markdown", m["message"].(map[string]any)["parse_mode"])

	again, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, p.Telegram.Text, again.Telegram.Text)
	assert.Equal(t, p.Policy, again.Policy)
}

func TestMerge(t *testing.T) {
	a := Allowlist{TelegramChats: []string{"1", "2"}, Emails: []string{"x@y.z"}}
	b := Allowlist{TelegramChats: []string{"2", "3", "1"}}

	got := Merge(a, b)
	assert.Equal(t, []string{"1", "2", "3"}, got.TelegramChats)
	assert.Equal(t, []string{"x@y.z"}, got.Emails)
	assert.Equal(t, []string{}, got.GitHubRepos)
	assert.Equal(t, got, Merge(got, b), "merge must be idempotent")
	assert.True(t, Allowlist{}.IsEmpty())
	assert.False(t, got.IsEmpty())
}
