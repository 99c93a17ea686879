package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/policy"
)

func allowlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Show or extend a tenant allowlist",
	}
	cmd.AddCommand(allowlistShowCmd(), allowlistAddCmd())
	return cmd
}

func allowlistShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tenant>",
		Short: "Print the current allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := current.policies.Load(cmd.Context(), current.db, args[0])
			if err != nil {
				return err
			}
			printAllowlist(args[0], loaded)
			return nil
		},
	}
}

func allowlistAddCmd() *cobra.Command {
	var extra payload.Allowlist
	cmd := &cobra.Command{
		Use:   "add <tenant>",
		Short: "Union targets into the current allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if extra.IsEmpty() {
				return fmt.Errorf("nothing to add: pass at least one of --telegram, --repo, --email, --domain")
			}
			tenant := args[0]
			var who *string
			if operator != "" {
				who = &operator
			}
			loaded, err := policy.Update(cmd.Context(), current.db, current.trail, tenant, who, "add", func(q db.Querier) (policy.Loaded, error) {
				return current.policies.Add(cmd.Context(), q, tenant, extra)
			})
			if err != nil {
				return err
			}
			printAllowlist(tenant, loaded)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extra.TelegramChats, "telegram", nil, "telegram chat ids or @usernames")
	cmd.Flags().StringSliceVar(&extra.GitHubRepos, "repo", nil, "github repositories as owner/name")
	cmd.Flags().StringSliceVar(&extra.Emails, "email", nil, "email addresses")
	cmd.Flags().StringSliceVar(&extra.EmailDomains, "domain", nil, "email domains")
	return cmd
}

func printAllowlist(tenant string, loaded policy.Loaded) {
	doc := color.New(color.FgYellow).Sprint("(none)")
	if loaded.DocumentID != nil {
		doc = loaded.DocumentID.String()
	}
	fmt.Printf("tenant:   %s\ndocument: %s\n", tenant, doc)
	a := loaded.Allowlist
	for _, f := range []struct {
		name   string
		values []string
	}{
		{"telegram_chats", a.TelegramChats},
		{"github_repos", a.GitHubRepos},
		{"emails", a.Emails},
		{"email_domains", a.EmailDomains},
	} {
		values := color.New(color.FgHiBlack).Sprint("-")
		if len(f.values) > 0 {
			values = strings.Join(f.values, ", ")
		}
		fmt.Printf("  %-15s %s\n", f.name+":", values)
	}
}
