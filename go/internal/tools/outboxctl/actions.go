package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clowbot/clowbot/go/internal/actions"
	"github.com/clowbot/clowbot/go/internal/freshness"
)

func runActionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run-actions",
		Short: "Execute one batch of APPROVED pending actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := current
			var oracle freshness.Oracle
			if e.cfg.Bootstrap.GateEnabled {
				oracle = freshness.NewDocumentOracle(e.db.Dialect, e.clock, e.cfg.BootstrapMaxAge())
			}
			registry := actions.DefaultRegistry(e.ledger, actions.ExecutorConfig{DefaultTelegramChat: e.cfg.Telegram.DefaultChatID})
			runner := actions.NewRunner(e.db, actions.NewExecutor(e.db, e.trail, registry), oracle, e.trail, e.clock)

			summary, err := runner.ProcessPendingActions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Println(summary.String())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum actions to run")
	return cmd
}
