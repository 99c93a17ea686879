package payload

import "strings"

// SchemaV1 is the only schema identifier this package accepts.
const SchemaV1 = "clowbot.outbox.v1"

// Kind discriminates the message union
type Kind string

const (
	KindEmail       Kind = "email"
	KindTelegram    Kind = "telegram"
	KindGitHubIssue Kind = "github_issue"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEmail, KindTelegram, KindGitHubIssue:
		return true
	}
	return false
}

// Risk mirrors models.RiskLevel on the wire without importing the row models.
type Risk string

const (
	RiskGreen  Risk = "GREEN"
	RiskYellow Risk = "YELLOW"
	RiskRed    Risk = "RED"
)

// Payload is a validated outbound message. Exactly one of Email, Telegram and
// GitHubIssue is set, matching Kind.
type Payload struct {
	Schema         string
	Kind           Kind
	IdempotencyKey string
	Context        Context
	Policy         Policy
	Attachments    []Attachment

	Email       *EmailMessage
	Telegram    *TelegramMessage
	GitHubIssue *GitHubIssueMessage
}

type Context struct {
	ProjectID  *string `json:"project_id"`
	TaskID     *string `json:"task_id"`
	WorkflowID *string `json:"workflow_id"`
	Source     *string `json:"source"`
	TraceID    *string `json:"trace_id"`
}

type Policy struct {
	Risk             Risk      `json:"risk"`
	RequiresApproval bool      `json:"requires_approval"`
	Allowlist        Allowlist `json:"allowlist"`
}

type Attachment struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	ContentType string  `json:"content_type"`
	ObjectKey   string  `json:"object_key"`
	SizeBytes   *int64  `json:"size_bytes"`
	SHA256      *string `json:"sha256"`
	Disposition string  `json:"disposition"`
	ContentID   *string `json:"content_id"`
}

type EmailAddress struct {
	Email string  `json:"email"`
	Name  *string `json:"name"`
}

type EmailBody struct {
	Markdown *string `json:"markdown"`
	Text     *string `json:"text"`
	HTML     *string `json:"html"`
}

type EmailMessage struct {
	From    *EmailAddress     `json:"from"`
	To      []EmailAddress    `json:"to"`
	CC      []EmailAddress    `json:"cc"`
	BCC     []EmailAddress    `json:"bcc"`
	ReplyTo []EmailAddress    `json:"reply_to"`
	Subject string            `json:"subject"`
	Body    EmailBody         `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Recipients returns to, cc and bcc addresses in that order.
func (m *EmailMessage) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	for _, group := range [][]EmailAddress{m.To, m.CC, m.BCC} {
		for _, a := range group {
			out = append(out, a.Email)
		}
	}
	return out
}

type TelegramChat struct {
	ChatID   *string `json:"chat_id"`
	Username *string `json:"username"`
}

// Target resolves the chat id, falling back to the username. Empty when neither is set.
func (c TelegramChat) Target() string {
	if c.ChatID != nil && *c.ChatID != "" {
		return *c.ChatID
	}
	if c.Username != nil {
		return *c.Username
	}
	return ""
}

type ParseMode string

const (
	ParseModeMarkdown   ParseMode = "Markdown"
	ParseModeMarkdownV2 ParseMode = "MarkdownV2"
	ParseModeHTML       ParseMode = "HTML"
	ParseModePlain      ParseMode = "Plain"
)

type TelegramMessage struct {
	Chat                  TelegramChat `json:"chat"`
	ParseMode             ParseMode    `json:"parse_mode"`
	Text                  string       `json:"text"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview"`
	ReplyToMessageID      *int64       `json:"reply_to_message_id"`
	Silent                bool         `json:"silent"`
}

type GitHubIssueBody struct {
	Markdown string  `json:"markdown"`
	Text     *string `json:"text"`
}

type GitHubIssueMessage struct {
	Repo      string          `json:"repo"`
	Title     string          `json:"title"`
	Body      GitHubIssueBody `json:"body"`
	Labels    []string        `json:"labels"`
	Assignees []string        `json:"assignees"`
	Milestone *string         `json:"milestone"`
}

// Target returns the single routing target used for the ledger's "to" column
// and for allowlist checks.
func (p *Payload) Target() string {
	switch p.Kind {
	case KindEmail:
		if p.Email == nil {
			return ""
		}
		addrs := make([]string, 0, len(p.Email.To))
		for _, a := range p.Email.To {
			addrs = append(addrs, a.Email)
		}
		return strings.Join(addrs, ",")
	case KindTelegram:
		if p.Telegram == nil {
			return ""
		}
		return p.Telegram.Chat.Target()
	case KindGitHubIssue:
		if p.GitHubIssue == nil {
			return ""
		}
		return p.GitHubIssue.Repo
	}
	return ""
}

// Subject is the ledger subject projection, nil for chat messages.
func (p *Payload) Subject() *string {
	switch {
	case p.Kind == KindEmail && p.Email != nil:
		s := p.Email.Subject
		return &s
	case p.Kind == KindGitHubIssue && p.GitHubIssue != nil:
		s := p.GitHubIssue.Title
		return &s
	}
	return nil
}

// Body is the ledger body projection. Email prefers text over markdown.
func (p *Payload) Body() string {
	switch {
	case p.Kind == KindEmail && p.Email != nil:
		if p.Email.Body.Text != nil && *p.Email.Body.Text != "" {
			return *p.Email.Body.Text
		}
		if p.Email.Body.Markdown != nil {
			return *p.Email.Body.Markdown
		}
	case p.Kind == KindTelegram && p.Telegram != nil:
		return p.Telegram.Text
	case p.Kind == KindGitHubIssue && p.GitHubIssue != nil:
		return p.GitHubIssue.Body.Markdown
	}
	return ""
}
