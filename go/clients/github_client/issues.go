package github_client

import (
	"context"
	"encoding/json"
	"fmt"
)

type CreateIssueRequest struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels"`
	Assignees []string `json:"assignees"`
	Milestone *int     `json:"milestone,omitempty"`
}

type Issue struct {
	ID      int64  `json:"id"`
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	URL     string `json:"url"`
	Title   string `json:"title"`
}

// CreateIssue opens an issue in repo ("owner/name").
func (c *GitHubClient) CreateIssue(ctx context.Context, repo string, req CreateIssueRequest) (*Issue, error) {
	if req.Labels == nil {
		req.Labels = []string{}
	}
	if req.Assignees == nil {
		req.Assignees = []string{}
	}

	body, err := c.PostJSON(ctx, fmt.Sprintf(IssuesEndpointFormat, repo), req)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &issue, nil
}
