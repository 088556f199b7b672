package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/pipeline"
	"github.com/taxdesk/taxdesk/internal/review"
	"github.com/taxdesk/taxdesk/internal/runs"
	"github.com/taxdesk/taxdesk/internal/svcctx"
	"github.com/taxdesk/taxdesk/internal/types"
)

var (
	reviewRunID      string
	reviewSaveReport bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pipeline outcomes and record decisions",
	Long: `Review shows what the pipeline concluded for an upload and records the
reviewer's decision on the matching invoice.

Examples:
  taxdesk review show 42
  taxdesk review approve 42
  taxdesk review report 42 --save`,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show [upload-id]",
	Short: "Summarize the latest saved run of an upload",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store := svcctx.RunsFrom(ctx)

		var (
			st  pipeline.State
			err error
		)
		switch {
		case reviewRunID != "":
			st, err = store.Load(ctx, reviewRunID)
		case len(args) == 1:
			st, err = runs.Latest(ctx, store, args[0])
		default:
			return errors.New("pass an upload id or --run")
		}
		if err != nil {
			return err
		}
		return api.Output(review.Summarize(st))
	},
}

func decisionCmd(use, short string, status types.InvoiceStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <upload-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r := review.NewReviewer(svcctx.ComplianceFrom(ctx), svcctx.LoggerFrom(ctx))
			if err := r.Decide(ctx, args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invoice %s marked %s\n", args[0], status)
			return nil
		},
	}
}

var reviewReportCmd = &cobra.Command{
	Use:   "report <upload-id>",
	Short: "Print the plain-text compliance report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := services(cmd)
		text, err := svc.Compliance.TextReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !reviewSaveReport {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		}

		if err := svc.Home.EnsureExists(); err != nil {
			return err
		}
		path := svc.Home.ReportPath(args[0])
		if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		svc.Logger.Info("report saved", "upload_id", args[0], "path", path)
		fmt.Fprintf(cmd.OutOrStdout(), "Saved report to %s\n", path)
		return nil
	},
}

func init() {
	reviewShowCmd.Flags().StringVar(&reviewRunID, "run", "", "summarize this saved run instead of the latest")
	reviewReportCmd.Flags().BoolVar(&reviewSaveReport, "save", false, "save the report under the home directory instead of printing it")

	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(decisionCmd("approve", "Mark an upload's invoice APPROVED", types.InvoiceApproved))
	reviewCmd.AddCommand(decisionCmd("reject", "Mark an upload's invoice REJECTED", types.InvoiceRejected))
	reviewCmd.AddCommand(reviewReportCmd)
}
