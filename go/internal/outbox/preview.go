package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// Raw preview file names, also used as keys under meta.preview.object_keys.
const (
	previewPayloadName = "preview_payload.json"
	previewEmailName   = "preview.eml"
	previewJSONName    = "preview.json"
	previewPayloadKey  = "preview_payload_json"
)

// PreviewPack is what a human reviews before, or instead of, a real send.
type PreviewPack struct {
	Markdown    string
	PayloadJSON string
	RawName     string
	Raw         string
}

type frontMatterField struct {
	key   string
	value any
}

// RenderPreview builds the preview pack for p. now stamps the front matter
// and the email Date header.
func RenderPreview(outboxID string, p *payload.Payload, status string, now time.Time) (PreviewPack, error) {
	payloadJSON, err := indentJSON(p)
	if err != nil {
		return PreviewPack{}, err
	}
	stamp := now.UTC().Format(time.RFC3339Nano)

	targets := map[string]any{}
	var body string
	switch p.Kind {
	case payload.KindEmail:
		recipients := make([]string, 0, len(p.Email.To))
		for _, a := range p.Email.To {
			recipients = append(recipients, a.Email)
		}
		targets["to"] = recipients
		body = firstNonEmpty(p.Email.Body.Markdown, p.Email.Body.Text)
	case payload.KindTelegram:
		targets["telegram"] = p.Telegram.Chat.Target()
		body = p.Telegram.Text
	case payload.KindGitHubIssue:
		targets["repo"] = p.GitHubIssue.Repo
		body = p.GitHubIssue.Body.Markdown
	default:
		return PreviewPack{}, fmt.Errorf("no preview for kind %q", p.Kind)
	}

	front := []frontMatterField{
		{"outbox_id", outboxID},
		{"schema", p.Schema},
		{"kind", string(p.Kind)},
		{"status", status},
		{"risk", string(p.Policy.Risk)},
		{"requires_approval", p.Policy.RequiresApproval},
		{"idempotency_key", p.IdempotencyKey},
		{"context", p.Context},
		{"targets_summary", targets},
		{"created_at", stamp},
	}

	var md strings.Builder
	md.WriteString("---\n")
	for _, f := range front {
		v, err := compactJSON(f.value)
		if err != nil {
			return PreviewPack{}, err
		}
		fmt.Fprintf(&md, "%s: %s\n", f.key, v)
	}
	md.WriteString("---\n")
	fmt.Fprintf(&md, "# Outbox Preview: %s\n\n", strings.ToUpper(string(p.Kind)))
	md.WriteString("## Body\n\n```\n")
	md.WriteString(body)
	md.WriteString("\n```\n\n")
	if len(p.Attachments) > 0 {
		md.WriteString("## Attachments\n")
		for _, a := range p.Attachments {
			fmt.Fprintf(&md, "- %s (%s): %s\n", a.Filename, a.ContentType, a.ObjectKey)
		}
	}

	pack := PreviewPack{Markdown: md.String(), PayloadJSON: payloadJSON}
	switch p.Kind {
	case payload.KindEmail:
		pack.RawName = previewEmailName
		pack.Raw = renderEML(p, stamp)
	case payload.KindTelegram:
		pack.RawName = previewJSONName
		pack.Raw, err = telegramPreview(p)
	case payload.KindGitHubIssue:
		pack.RawName = previewJSONName
		pack.Raw, err = githubIssuePreview(p)
	}
	if err != nil {
		return PreviewPack{}, err
	}
	return pack, nil
}

// LegacyPreviewMarkdown is the minimal preview for rows whose channel has no
// structured form.
func LegacyPreviewMarkdown(channel, body string) string {
	return fmt.Sprintf("# Outbox Preview: %s\n\n%s\n", channel, body)
}

func renderEML(p *payload.Payload, stamp string) string {
	msg := p.Email
	from := "ClowBot <noreply@local>"
	if msg.From != nil {
		name := "ClowBot"
		if msg.From.Name != nil && *msg.From.Name != "" {
			name = *msg.From.Name
		}
		from = fmt.Sprintf("%s <%s>", name, msg.From.Email)
	}
	to := make([]string, 0, len(msg.To))
	for _, a := range msg.To {
		name := ""
		if a.Name != nil {
			name = *a.Name
		}
		to = append(to, strings.TrimSpace(fmt.Sprintf("%s <%s>", name, a.Email)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\n", stamp)
	fmt.Fprintf(&b, "Message-ID: <clowbot-%s@local>\n", p.IdempotencyKey)
	b.WriteString("MIME-Version: 1.0\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\n\n")
	b.WriteString(firstNonEmpty(msg.Body.Text, msg.Body.Markdown))
	b.WriteString("\n")
	if len(p.Attachments) > 0 {
		b.WriteString("\n[Attachments]\n")
		for _, a := range p.Attachments {
			fmt.Fprintf(&b, "- %s (%s) object_key=%s\n", a.Filename, a.ContentType, a.ObjectKey)
		}
	}
	return b.String()
}

type telegramPreviewParams struct {
	ChatID                string  `json:"chat_id"`
	Text                  string  `json:"text"`
	ParseMode             *string `json:"parse_mode"`
	DisableWebPagePreview bool    `json:"disable_web_page_preview"`
}

func telegramPreview(p *payload.Payload) (string, error) {
	msg := p.Telegram
	params := telegramPreviewParams{
		ChatID:                msg.Chat.Target(),
		Text:                  msg.Text,
		DisableWebPagePreview: msg.DisableWebPagePreview,
	}
	if msg.ParseMode != payload.ParseModePlain {
		mode := string(msg.ParseMode)
		params.ParseMode = &mode
	}
	return indentJSON(struct {
		AdapterKind string                `json:"adapter_kind"`
		Method      string                `json:"method"`
		Params      telegramPreviewParams `json:"params"`
	}{"telegram", "sendMessage", params})
}

func githubIssuePreview(p *payload.Payload) (string, error) {
	msg := p.GitHubIssue
	return indentJSON(struct {
		AdapterKind  string   `json:"adapter_kind"`
		Operation    string   `json:"operation"`
		Repo         string   `json:"repo"`
		Title        string   `json:"title"`
		BodyMarkdown string   `json:"body_markdown"`
		Labels       []string `json:"labels"`
		Assignees    []string `json:"assignees"`
		Milestone    *string  `json:"milestone"`
	}{
		AdapterKind:  "github_issue",
		Operation:    "create_issue",
		Repo:         msg.Repo,
		Title:        msg.Title,
		BodyMarkdown: msg.Body.Markdown,
		Labels:       msg.Labels,
		Assignees:    msg.Assignees,
		Milestone:    msg.Milestone,
	})
}

func indentJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode preview front matter: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func firstNonEmpty(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}
