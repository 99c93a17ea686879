package policy

import (
	"slices"
	"strings"

	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// Decision is the outcome of an allowlist check.
type Decision struct {
	Payload       *payload.Payload
	UpgradedToRed bool
}

// EnforceAllowlist merges tenant into the payload's own allowlist and escalates
// to RED with approval when any target is not allowed. It never downgrades.
// The input payload is left untouched.
func EnforceAllowlist(p *payload.Payload, tenant *payload.Allowlist) Decision {
	out := *p
	if tenant != nil {
		out.Policy.Allowlist = payload.Merge(p.Policy.Allowlist, *tenant)
	}

	if TargetsAllowed(&out) {
		return Decision{Payload: &out}
	}
	out.Policy.Risk = payload.RiskRed
	out.Policy.RequiresApproval = true
	return Decision{Payload: &out, UpgradedToRed: true}
}

// TargetsAllowed reports whether every target of p is covered by p's own allowlist.
func TargetsAllowed(p *payload.Payload) bool {
	allow := p.Policy.Allowlist
	switch p.Kind {
	case payload.KindEmail:
		if p.Email == nil {
			return false
		}
		return emailsAllowed(p.Email.Recipients(), allow)
	case payload.KindTelegram:
		if p.Telegram == nil {
			return false
		}
		target := p.Telegram.Chat.Target()
		return target != "" && slices.Contains(allow.TelegramChats, target)
	case payload.KindGitHubIssue:
		if p.GitHubIssue == nil {
			return false
		}
		return slices.Contains(allow.GitHubRepos, p.GitHubIssue.Repo)
	}
	return false
}

func emailsAllowed(addrs []string, allow payload.Allowlist) bool {
	domains := make(map[string]struct{}, len(allow.EmailDomains))
	for _, d := range allow.EmailDomains {
		domains[strings.TrimPrefix(strings.ToLower(d), "@")] = struct{}{}
	}
	emails := make(map[string]struct{}, len(allow.Emails))
	for _, e := range allow.Emails {
		emails[strings.ToLower(e)] = struct{}{}
	}

	for _, addr := range addrs {
		a := strings.ToLower(addr)
		if _, ok := emails[a]; ok {
			continue
		}
		_, domain, found := strings.Cut(a, "@")
		if !found {
			return false
		}
		if _, ok := domains[domain]; !ok {
			return false
		}
	}
	return true
}
