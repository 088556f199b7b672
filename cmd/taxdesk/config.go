package main

import (
	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/svcctx"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every setting with its effective value",
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := svcctx.ConfigFrom(cmd.Context())
		return api.Output(map[string]any{
			"file":     cm.ConfigFileUsed(),
			"settings": cm.Settings(),
		})
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := svcctx.ConfigFrom(cmd.Context()).Lookup(args[0])
		if err != nil {
			return err
		}
		return api.Output(map[string]any{args[0]: v})
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
}
