package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/config"
	"github.com/taxdesk/taxdesk/internal/home"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:         "init",
	Short:       "Create the home directory and a default config file",
	Annotations: map[string]string{skipServices: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if h.ConfigExists() && !initForce {
			fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", h.ConfigPath())
			return nil
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(out, "Initialized %s\n", h.Path())
		fmt.Fprintf(out, "Wrote default config to %s\n", h.ConfigPath())
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
