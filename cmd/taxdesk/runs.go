package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/runs"
	"github.com/taxdesk/taxdesk/internal/svcctx"
)

var runsUploadID string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Saved pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sums, err := svcctx.RunsFrom(cmd.Context()).List(cmd.Context())
		if err != nil {
			return err
		}
		if runsUploadID != "" {
			filtered := sums[:0]
			for _, s := range sums {
				if s.UploadID == runsUploadID {
					filtered = append(filtered, s)
				}
			}
			sums = filtered
		}
		if sums == nil {
			sums = []runs.Summary{}
		}
		return api.Output(sums)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the full saved state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := svcctx.RunsFrom(cmd.Context()).Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return api.Output(st)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a saved run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svcctx.RunsFrom(cmd.Context()).Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsUploadID, "upload-id", "", "only runs for this upload")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
