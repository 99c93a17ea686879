package github_client

const (
	// Base URL
	DefaultBaseURL = "https://api.github.com"

	// API Endpoints
	IssuesEndpointFormat = "/repos/%s/issues"

	// Headers
	AuthorizationHeader = "Authorization"
	AcceptHeader        = "Accept"
	AcceptJSON          = "application/vnd.github+json"
	APIVersionHeader    = "X-GitHub-Api-Version"
	APIVersion          = "2022-11-28"
	UserAgentHeader     = "User-Agent"
	UserAgent           = "clowbot"
)
