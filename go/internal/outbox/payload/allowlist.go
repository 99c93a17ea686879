package payload

// Allowlist holds the four target sets a tenant or a single payload may allow.
type Allowlist struct {
	EmailDomains  []string `json:"email_domains"`
	Emails        []string `json:"emails"`
	TelegramChats []string `json:"telegram_chats"`
	GitHubRepos   []string `json:"github_repos"`
}

// Merge unions a and b per field. The first occurrence of a value wins, so
// merging is idempotent and keeps a's order.
func Merge(a, b Allowlist) Allowlist {
	return Allowlist{
		EmailDomains:  union(a.EmailDomains, b.EmailDomains),
		Emails:        union(a.Emails, b.Emails),
		TelegramChats: union(a.TelegramChats, b.TelegramChats),
		GitHubRepos:   union(a.GitHubRepos, b.GitHubRepos),
	}
}

// IsEmpty reports whether no target of any kind is allowed.
func (a Allowlist) IsEmpty() bool {
	return len(a.EmailDomains) == 0 && len(a.Emails) == 0 &&
		len(a.TelegramChats) == 0 && len(a.GitHubRepos) == 0
}

// normalized swaps nil slices for empty ones so the wire form is stable.
func (a Allowlist) normalized() Allowlist {
	return Merge(a, Allowlist{})
}

func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, x := range list {
			if _, ok := seen[x]; ok {
				continue
			}
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	return out
}

// EmptyAllowlist allows nothing. Its slices are non-nil so it encodes as lists.
func EmptyAllowlist() Allowlist {
	return Merge(Allowlist{}, Allowlist{})
}
