package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ValidationError describes the first offending field of a rejected payload.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid outbox payload: " + e.Reason
	}
	return fmt.Sprintf("invalid outbox payload at %s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// envelope is the wire shape shared by every kind. Unknown keys here and in
// context are ignored; only message is decoded strictly.
type envelope struct {
	Schema         *string         `json:"schema"`
	Kind           Kind            `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Context        Context         `json:"context"`
	Policy         *Policy         `json:"policy"`
	Message        json.RawMessage `json:"message"`
	Attachments    []Attachment    `json:"attachments"`
}

// Parse validates raw JSON against the kind-discriminated schema.
//
// Extra top-level and context keys are tolerated and dropped from the
// normalized payload. A key computed by ComputeIdempotencyKey still covers
// them, since it hashes the payload as submitted.
func Parse(raw []byte) (*Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeError("", err)
	}

	p := &Payload{
		Schema:         SchemaV1,
		Kind:           env.Kind,
		IdempotencyKey: env.IdempotencyKey,
		Context:        env.Context,
		Policy:         Policy{Risk: RiskYellow},
	}

	if env.Schema != nil && *env.Schema != SchemaV1 {
		return nil, invalid("schema", "unsupported schema %q", *env.Schema)
	}
	if env.Kind == "" {
		return nil, invalid("kind", "field required")
	}
	if !env.Kind.Valid() {
		return nil, invalid("kind", "unknown kind %q", env.Kind)
	}
	if env.IdempotencyKey == "" {
		return nil, invalid("idempotency_key", "field required")
	}
	if env.Policy != nil {
		p.Policy = *env.Policy
		if p.Policy.Risk == "" {
			p.Policy.Risk = RiskYellow
		}
	}
	switch p.Policy.Risk {
	case RiskGreen, RiskYellow, RiskRed:
	default:
		return nil, invalid("policy.risk", "unknown risk %q", p.Policy.Risk)
	}
	p.Policy.Allowlist = p.Policy.Allowlist.normalized()

	for i := range env.Attachments {
		a := &env.Attachments[i]
		path := "attachments." + strconv.Itoa(i)
		required := []struct{ field, value string }{
			{"id", a.ID}, {"filename", a.Filename}, {"content_type", a.ContentType}, {"object_key", a.ObjectKey},
		}
		for _, r := range required {
			if r.value == "" {
				return nil, invalid(path+"."+r.field, "field required")
			}
		}
		switch a.Disposition {
		case "":
			a.Disposition = "attachment"
		case "attachment", "inline":
		default:
			return nil, invalid(path+".disposition", "must be attachment or inline")
		}
	}
	p.Attachments = env.Attachments
	if p.Attachments == nil {
		p.Attachments = []Attachment{}
	}

	if len(bytes.TrimSpace(env.Message)) == 0 || bytes.Equal(bytes.TrimSpace(env.Message), []byte("null")) {
		return nil, invalid("message", "field required")
	}

	var err error
	switch p.Kind {
	case KindEmail:
		p.Email, err = parseEmail(env.Message)
	case KindTelegram:
		p.Telegram, err = parseTelegram(env.Message)
	case KindGitHubIssue:
		p.GitHubIssue, err = parseGitHubIssue(env.Message)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FromMap validates an already decoded JSON object.
func FromMap(m map[string]any) (*Payload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, invalid("", "payload is not JSON encodable: %v", err)
	}
	return Parse(raw)
}

func parseEmail(raw json.RawMessage) (*EmailMessage, error) {
	if err := requireKeys(raw, "message", "to", "subject", "body"); err != nil {
		return nil, err
	}
	var m EmailMessage
	if err := strictDecode(raw, &m); err != nil {
		return nil, err
	}
	if len(m.To) == 0 {
		return nil, invalid("message.to", "at least one recipient required")
	}
	groups := []struct {
		name  string
		addrs []EmailAddress
	}{{"to", m.To}, {"cc", m.CC}, {"bcc", m.BCC}, {"reply_to", m.ReplyTo}}
	for _, g := range groups {
		for i, a := range g.addrs {
			if strings.TrimSpace(a.Email) == "" {
				return nil, invalid(fmt.Sprintf("message.%s.%d.email", g.name, i), "field required")
			}
		}
	}
	if m.From != nil && strings.TrimSpace(m.From.Email) == "" {
		return nil, invalid("message.from.email", "field required")
	}
	if m.CC == nil {
		m.CC = []EmailAddress{}
	}
	if m.BCC == nil {
		m.BCC = []EmailAddress{}
	}
	if m.ReplyTo == nil {
		m.ReplyTo = []EmailAddress{}
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	return &m, nil
}

func parseTelegram(raw json.RawMessage) (*TelegramMessage, error) {
	if err := requireKeys(raw, "message", "chat", "text"); err != nil {
		return nil, err
	}
	m := TelegramMessage{ParseMode: ParseModeMarkdown, DisableWebPagePreview: true}
	if err := strictDecode(raw, &m); err != nil {
		return nil, err
	}
	switch m.ParseMode {
	case ParseModeMarkdown, ParseModeMarkdownV2, ParseModeHTML, ParseModePlain:
	default:
		return nil, invalid("message.parse_mode", "unknown parse mode %q", m.ParseMode)
	}
	return &m, nil
}

func parseGitHubIssue(raw json.RawMessage) (*GitHubIssueMessage, error) {
	if err := requireKeys(raw, "message", "repo", "title", "body"); err != nil {
		return nil, err
	}
	var shape struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, decodeError("message", err)
	}
	if err := requireKeys(shape.Body, "message.body", "markdown"); err != nil {
		return nil, err
	}
	var m GitHubIssueMessage
	if err := strictDecode(raw, &m); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.Repo) == "" {
		return nil, invalid("message.repo", "must not be empty")
	}
	if m.Labels == nil {
		m.Labels = []string{}
	}
	if m.Assignees == nil {
		m.Assignees = []string{}
	}
	return &m, nil
}

// requireKeys checks that raw is an object carrying every key.
func requireKeys(raw json.RawMessage, path string, keys ...string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return invalid(path, "must be an object")
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || bytes.Equal(v, []byte("null")) {
			return invalid(path+"."+k, "field required")
		}
	}
	return nil
}

// strictDecode rejects fields the message shape does not declare.
func strictDecode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return decodeError("message", err)
	}
	return nil
}

func decodeError(prefix string, err error) error {
	join := func(field string) string {
		switch {
		case prefix == "":
			return field
		case field == "":
			return prefix
		}
		return prefix + "." + field
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return invalid(join(typeErr.Field), "expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		if unq, uerr := strconv.Unquote(name); uerr == nil {
			name = unq
		}
		return invalid(join(name), "extra fields not permitted")
	}
	return invalid(prefix, "malformed JSON: %v", err)
}
