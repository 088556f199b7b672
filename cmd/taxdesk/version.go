package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/version"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Annotations: map[string]string{skipServices: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "taxdesk %s\n", version.GitRelease)
		fmt.Fprintf(out, "  Go:     %s\n", version.GoInfo)
		fmt.Fprintf(out, "  Commit: %s\n", version.GitCommit)
		fmt.Fprintf(out, "  Date:   %s\n", version.GitCommitDate)
	},
}
