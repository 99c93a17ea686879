package skills

import (
	"context"
	"fmt"

	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// githubIssueSkill packages an issue for a repository. The repo is not put on
// the per-message allowlist, so an unlisted repo always waits for approval.
type githubIssueSkill struct {
	p *Producer
}

func (githubIssueSkill) Name() Name { return GitHubIssueSubmit }

func (s githubIssueSkill) Run(ctx context.Context, tx outbox.Tx, req RunRequest) (RunResult, error) {
	in := req.Inputs
	repo := inputString(in, "repo")
	title := inputString(in, "title")
	body := inputString(in, "body", "body_markdown")

	var missing []string
	if repo == "" {
		missing = append(missing, "repo")
	}
	if title == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return blocked("missing required inputs", missing...), nil
	}
	if body == "" {
		body = "_No description provided._"
	}

	res := newResult()
	docID, err := s.p.Document(ctx, tx, req.TenantID, "github", "issue_package", "Issue: "+title,
		fmt.Sprintf("# %s\n\nRepository: %s\n\n%s\n", title, repo, body), map[string]any{"repo": repo})
	if err != nil {
		return RunResult{}, err
	}
	res.Artifacts["issue_package_doc_id"] = docID

	raw := map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindGitHubIssue),
		"context": map[string]any{"source": "skill." + string(GitHubIssueSubmit)},
		"policy": map[string]any{
			"risk":              string(payload.RiskYellow),
			"requires_approval": false,
			"allowlist":         map[string]any{},
		},
		"message": map[string]any{
			"repo":      repo,
			"title":     title,
			"body":      map[string]any{"markdown": body},
			"labels":    inputStrings(in, "labels"),
			"assignees": inputStrings(in, "assignees"),
		},
		"attachments": []any{},
	}
	if _, err := s.p.Queue(ctx, tx, req, raw, &res); err != nil {
		return RunResult{}, fmt.Errorf("failed to queue issue: %w", err)
	}
	return res, nil
}

// articleSkill drafts a cover letter and queues the submission email. The
// email is declared RED, so it always needs a human decision.
type articleSkill struct {
	p *Producer
}

func (articleSkill) Name() Name { return ArticleSubmit }

func (s articleSkill) Run(ctx context.Context, tx outbox.Tx, req RunRequest) (RunResult, error) {
	in := req.Inputs
	manuscriptDoc := inputString(in, "manuscript_doc_id")
	manuscriptKey := inputString(in, "manuscript_object_key")
	editor := inputString(in, "editor_email")
	journal := inputString(in, "journal_name")
	if journal == "" {
		journal = "(unspecified journal)"
	}

	if manuscriptDoc == "" && manuscriptKey == "" {
		missing := []string{"manuscript_doc_id"}
		if editor == "" {
			missing = append(missing, "editor_email")
		}
		return blocked("missing manuscript input", missing...), nil
	}

	res := newResult()
	cover := fmt.Sprintf("# Cover Letter\n\nJournal: %s\n\nDear Editor,\n\n"+
		"Please consider our manuscript for publication.\n\nSincerely,\nClowBot\n", journal)
	checklist := "# Submission checklist\n\n- [ ] Manuscript attached\n- [ ] Figures attached (if any)\n" +
		"- [ ] Metadata included (title/abstract/keywords)\n- [ ] Cover letter included\n"

	coverID, err := s.p.Document(ctx, tx, req.TenantID, "article", "cover_letter", "Cover letter", cover, nil)
	if err != nil {
		return RunResult{}, err
	}
	res.Artifacts["cover_letter_doc_id"] = coverID
	checklistID, err := s.p.Document(ctx, tx, req.TenantID, "article", "submission_checklist", "Submission checklist", checklist, nil)
	if err != nil {
		return RunResult{}, err
	}
	res.Artifacts["checklist_doc_id"] = checklistID

	if editor == "" {
		res.Status = StatusBlocked
		res.Reason = "missing editor_email"
		res.MissingInputs = []string{"editor_email"}
		return res, nil
	}

	attachments := []any{}
	if manuscriptKey != "" {
		attachments = append(attachments, map[string]any{
			"id":           "att-manuscript",
			"filename":     "manuscript",
			"content_type": "application/octet-stream",
			"object_key":   manuscriptKey,
			"disposition":  "attachment",
		})
	}
	raw := map[string]any{
		"schema":  payload.SchemaV1,
		"kind":    string(payload.KindEmail),
		"context": map[string]any{"source": "skill." + string(ArticleSubmit)},
		"policy": map[string]any{
			"risk":              string(payload.RiskRed),
			"requires_approval": true,
			"allowlist":         map[string]any{"emails": []any{editor}},
		},
		"message": map[string]any{
			"from":    map[string]any{"name": "ClowBot", "email": "noreply@local"},
			"to":      []any{map[string]any{"email": editor, "name": "Editor"}},
			"subject": "Submission: manuscript to " + journal,
			"body":    map[string]any{"markdown": cover, "text": cover},
		},
		"attachments": attachments,
	}
	if _, err := s.p.Queue(ctx, tx, req, raw, &res); err != nil {
		return RunResult{}, fmt.Errorf("failed to queue submission: %w", err)
	}
	return res, nil
}

func inputStrings(in map[string]any, key string) []any {
	out := []any{}
	switch v := in[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
