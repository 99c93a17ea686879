// Command outboxctl is the operator tool for the outbox: it lists and resets
// rows, runs dispatch and action batches by hand, and edits tenant allowlists.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/config"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/logger"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/policy"
)

// env is opened once per invocation by the root command.
type env struct {
	cfg      config.Config
	db       *db.DB
	clock    clockwork.Clock
	trail    *audit.Trail
	policies *policy.Store
	ledger   *outbox.App
}

var (
	current  *env
	operator string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Operate the clowbot outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			current = e
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if current != nil {
				return current.db.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&operator, "operator", os.Getenv("USER"), "name recorded in audit events")

	root.AddCommand(listCmd(), resetCmd(), dispatchCmd(), runActionsCmd(), allowlistCmd(), bootstrapCmd())
	return root
}

func openEnv(ctx context.Context) (*env, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// keep stdout clean for command output
	l, err := logger.New(cfg.AppEnv, "warn", os.Stderr)
	if err != nil {
		return nil, err
	}
	log.Logger = l

	database, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	clock := clockwork.NewRealClock()
	trail := audit.NewTrail(database.Dialect, clock, nil)
	policies := policy.NewStore(database.Dialect, clock)
	return &env{
		cfg:      cfg,
		db:       database,
		clock:    clock,
		trail:    trail,
		policies: policies,
		ledger:   outbox.NewApp(database, policies, trail, clock),
	}, nil
}
