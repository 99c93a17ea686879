package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/documents"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
)

func bootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Inspect or refresh a tenant's bootstrap context",
	}
	cmd.AddCommand(bootstrapStatusCmd(), bootstrapRefreshCmd())
	return cmd
}

func bootstrapStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant>",
		Short: "Report whether outbound work may proceed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			oracle := freshness.NewDocumentOracle(current.db.Dialect, current.clock, current.cfg.BootstrapMaxAge())
			res, err := oracle.Check(cmd.Context(), current.db, args[0])
			if err != nil {
				return err
			}
			state := color.New(color.FgGreen).Sprint("FRESH")
			if !res.OK {
				state = color.New(color.FgRed).Sprint("STALE")
			}
			version := "-"
			if res.ContextVersion != nil {
				version = *res.ContextVersion
			}
			fmt.Printf("%s reason=%s context_version=%s\n", state, res.Reason, version)
			return nil
		},
	}
}

// bootstrapRefreshCmd stores a new version of each required bootstrap
// document, read from --mission, --status and --next files.
func bootstrapRefreshCmd() *cobra.Command {
	files := map[string]*string{}
	cmd := &cobra.Command{
		Use:   "refresh <tenant>",
		Short: "Store new mission, status and next documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tenant := args[0]
			repo := documents.NewRepository(current.db, current.db.Dialect)
			now := current.clock.Now().UTC()

			ids := map[string]any{}
			for _, docType := range freshness.RequiredDocTypes {
				path := *files[docType]
				if path == "" {
					return fmt.Errorf("--%s is required", docType)
				}
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				text := string(content)
				doc := &models.Document{
					ID:          uuid.New(),
					TenantID:    tenant,
					Domain:      freshness.DocumentDomain,
					DocType:     docType,
					Title:       docType,
					ContentText: &text,
					Meta:        map[string]any{"source_path": path},
					CreatedAt:   now,
				}
				if err := repo.Insert(ctx, doc); err != nil {
					return err
				}
				ids[docType+"_doc_id"] = doc.ID.String()
			}

			var who *string
			if operator != "" {
				who = &operator
			}
			if _, err := current.trail.Record(ctx, current.db, audit.Info(tenant, who, audit.EventBootstrapRefreshed, "bootstrap_refreshed", ids)); err != nil {
				return err
			}
			fmt.Printf("%s bootstrap refreshed for %s\n", color.New(color.FgGreen).Sprint("OK"), tenant)
			return nil
		},
	}
	for _, docType := range freshness.RequiredDocTypes {
		files[docType] = cmd.Flags().String(docType, "", docType+" document file")
	}
	return cmd
}
