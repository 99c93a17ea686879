// Package skills holds the producers that turn a named run request into
// documents, outbox rows and the pending actions gating them.
package skills

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clowbot/clowbot/go/internal/outbox"
)

var ErrUnknownSkill = errors.New("unknown skill")

// Name tags a registered skill.
type Name string

const (
	OutreachSequence  Name = "outreach.sequence"
	GitHubIssueSubmit Name = "github.issue.submit"
	ArticleSubmit     Name = "article.submit"
)

type RunStatus string

const (
	StatusDone    RunStatus = "DONE"
	StatusBlocked RunStatus = "BLOCKED"
	StatusFailed  RunStatus = "FAILED"
)

// RunRequest is one invocation of a skill.
type RunRequest struct {
	TenantID string
	UserID   *string
	Inputs   map[string]any
}

// RunResult lists everything a run produced. ConfirmationTokens maps a
// pending action id to its token, which is shown only once.
type RunResult struct {
	Status             RunStatus            `json:"status"`
	Reason             string               `json:"reason,omitempty"`
	MissingInputs      []string             `json:"missing_inputs,omitempty"`
	Artifacts          map[string]uuid.UUID `json:"artifacts"`
	OutboxIDs          []uuid.UUID          `json:"outbox_ids"`
	PendingActionIDs   []uuid.UUID          `json:"pending_action_ids"`
	ConfirmationTokens map[string]string    `json:"confirmation_tokens"`
}

func newResult() RunResult {
	return RunResult{
		Status:             StatusDone,
		Artifacts:          map[string]uuid.UUID{},
		OutboxIDs:          []uuid.UUID{},
		PendingActionIDs:   []uuid.UUID{},
		ConfirmationTokens: map[string]string{},
	}
}

func blocked(reason string, missing ...string) RunResult {
	r := newResult()
	r.Status = StatusBlocked
	r.Reason = reason
	r.MissingInputs = missing
	return r
}

// Skill is one producer. Run writes through tx; the caller commits.
type Skill interface {
	Name() Name
	Run(ctx context.Context, tx outbox.Tx, req RunRequest) (RunResult, error)
}
