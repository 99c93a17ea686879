package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/objectstore"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/adapters"
)

func listCmd() *cobra.Command {
	var (
		tenant string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := current.ledger.List(cmd.Context(), outbox.ListFilter{
				TenantID: tenant,
				Status:   models.OutboxStatus(strings.ToUpper(status)),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no outbox rows")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTENANT\tCHANNEL\tTO\tSTATUS\tCREATED")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.TenantID, r.Channel, truncate(r.To, 40), colorStatus(r.Status), r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only rows of this tenant")
	cmd.Flags().StringVar(&status, "status", "", "only rows in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <outbox-id>",
		Short: "Move a FAILED or SENDING row back to QUEUED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid outbox id: %w", err)
			}
			if err := current.ledger.Reset(cmd.Context(), id, operator); err != nil {
				return err
			}
			fmt.Printf("%s %s requeued\n", color.New(color.FgGreen).Sprint("OK"), id)
			return nil
		},
	}
}

func dispatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := newDispatcher(current).DispatchOutbox(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("sent=%d stub_sent=%d dry_run_sent=%d failed=%d blocked=%d skipped=%d\n",
				summary.Sent, summary.StubSent, summary.DryRunSent, summary.Failed, summary.Blocked, summary.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum rows to process")
	return cmd
}

func newDispatcher(e *env) *outbox.Dispatcher {
	var oracle freshness.Oracle
	if e.cfg.Bootstrap.GateEnabled {
		oracle = freshness.NewDocumentOracle(e.db.Dialect, e.clock, e.cfg.BootstrapMaxAge())
	}
	return outbox.NewDispatcher(
		e.db,
		e.policies,
		oracle,
		e.trail,
		objectstore.New(e.cfg.ObjectStore.BaseURL),
		adapters.NewDefaultRegistry(e.cfg.Adapters()),
		e.clock,
		nil,
		e.cfg.Dispatcher(),
	)
}

func colorStatus(s models.OutboxStatus) string {
	switch s {
	case models.OutboxStatusSent:
		return color.New(color.FgGreen).Sprint(s)
	case models.OutboxStatusStubSent, models.OutboxStatusDryRunSent:
		return color.New(color.FgCyan).Sprint(s)
	case models.OutboxStatusFailed:
		return color.New(color.FgRed).Sprint(s)
	case models.OutboxStatusSending:
		return color.New(color.FgYellow).Sprint(s)
	}
	return string(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
