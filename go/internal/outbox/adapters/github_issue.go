package adapters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/clowbot/clowbot/go/clients"
	"github.com/clowbot/clowbot/go/clients/github_client"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// GitHubIssueAdapter opens one issue per payload.
type GitHubIssueAdapter struct {
	client   *github_client.GitHubClient
	realSend bool
}

func NewGitHubIssueAdapter(cfg Config) *GitHubIssueAdapter {
	a := &GitHubIssueAdapter{realSend: cfg.RealSendEnabled}
	if cfg.GitHubToken != "" {
		a.client = github_client.NewGitHubClient(cfg.GitHubAPIBase, cfg.GitHubToken, cfg.Timeout)
	}
	return a
}

func (a *GitHubIssueAdapter) Kind() payload.Kind { return payload.KindGitHubIssue }

func (a *GitHubIssueAdapter) Send(ctx context.Context, p *payload.Payload, row *models.OutboxMessage) SendResult {
	if res, ok := AlreadySent(row); ok {
		return res
	}
	if p == nil || p.Kind != payload.KindGitHubIssue || p.GitHubIssue == nil {
		return SendResult{Status: StatusFailed, Reason: "wrong_payload_kind"}
	}
	if !a.realSend {
		return SendResult{Status: StatusDryRun, Reason: "OUTBOX_REAL_SEND_ENABLED=false"}
	}
	if a.client == nil {
		return SendResult{Status: StatusDryRun, Reason: "missing GITHUB_TOKEN"}
	}

	msg := p.GitHubIssue
	req := github_client.CreateIssueRequest{
		Title:     msg.Title,
		Body:      issueBody(msg.Body.Markdown, p.Attachments),
		Labels:    msg.Labels,
		Assignees: msg.Assignees,
	}
	if msg.Milestone != nil {
		if n, err := strconv.Atoi(*msg.Milestone); err == nil {
			req.Milestone = &n
		}
	}

	issue, err := a.client.CreateIssue(ctx, msg.Repo, req)
	if err != nil {
		return classifyGitHubError(err)
	}

	externalID := ""
	switch {
	case issue.Number != 0:
		externalID = strconv.Itoa(issue.Number)
	case issue.ID != 0:
		externalID = strconv.FormatInt(issue.ID, 10)
	}
	return SendResult{
		Status:      StatusSent,
		ExternalID:  externalID,
		ExternalURL: issue.HTMLURL,
		RawResponse: map[string]any{
			"number":   issue.Number,
			"id":       issue.ID,
			"html_url": issue.HTMLURL,
			"url":      issue.URL,
			"title":    Truncate(issue.Title, reasonLimit),
		},
	}
}

func issueBody(markdown string, attachments []payload.Attachment) string {
	if len(attachments) == 0 {
		return markdown
	}
	var b strings.Builder
	b.WriteString(markdown)
	b.WriteString("\n\n---\n## Attachments\n")
	for i, att := range attachments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s (%s)", att.Filename, att.ObjectKey)
	}
	return b.String()
}

// classifyGitHubError maps 4xx to permanent and everything else to transient.
func classifyGitHubError(err error) SendResult {
	var httpErr *clients.HTTPError
	if errors.As(err, &httpErr) {
		raw := map[string]any{
			"status_code": httpErr.StatusCode,
			"text":        Truncate(httpErr.Body, rawLimit),
		}
		reason := fmt.Sprintf("github_http_%d:%s", httpErr.StatusCode, Truncate(httpErr.Body, reasonLimit))
		if httpErr.StatusCode >= 500 {
			return SendResult{Status: StatusFailed, Retryable: true, Reason: reason, RawResponse: raw}
		}
		return SendResult{Status: StatusFailed, Retryable: false, Reason: reason, RawResponse: raw}
	}
	return Failed(WrapTransient(err), nil)
}
