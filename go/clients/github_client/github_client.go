package github_client

import (
	"time"

	"github.com/clowbot/clowbot/go/clients"
)

type GitHubClient struct {
	*clients.BaseClient
}

// NewGitHubClient builds a client for the REST API at baseURL, DefaultBaseURL when empty.
func NewGitHubClient(baseURL, token string, timeout time.Duration) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &GitHubClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	client.SetHeader(AuthorizationHeader, "Bearer "+token)
	client.SetHeader(AcceptHeader, AcceptJSON)
	client.SetHeader(APIVersionHeader, APIVersion)
	client.SetHeader(UserAgentHeader, UserAgent)
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return client
}
