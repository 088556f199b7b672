package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/compliance"
	"github.com/taxdesk/taxdesk/internal/config"
	"github.com/taxdesk/taxdesk/internal/home"
	"github.com/taxdesk/taxdesk/internal/runs"
	"github.com/taxdesk/taxdesk/internal/stream"
	"github.com/taxdesk/taxdesk/internal/svcctx"
	"github.com/taxdesk/taxdesk/version"
)

// skipServices marks commands that run without config, home or clients.
const skipServices = "skip-services"

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	serverURL    string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "taxdesk",
	Short: "Drive the GST/TDS document-compliance pipeline from the command line",
	Long: `taxdesk uploads invoices to a compliance service and drives its four-stage
pipeline, streaming progress as each stage runs:

  - Extraction: OCR and invoice field extraction
  - Validation: GST/TDS compliance checks
  - Resolution: conflict and ambiguity resolution
  - Reporting:  compliance report generation

Runs are saved under the home directory so they can be reviewed, approved
or resumed later.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.taxdesk/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "taxdesk home directory (default: ~/.taxdesk)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&serverURL, "server", "", "compliance service API root (overrides server.base_url)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)",
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		api.SetOutputFormat(outputFormat)
		if cmd.Annotations[skipServices] == "true" {
			return nil
		}
		svc, err := setupServices()
		if err != nil {
			return err
		}
		current = svc
		cmd.SetContext(svcctx.WithServices(cmd.Context(), svc))
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(reviewCmd)
}

// setupServices loads configuration, applies flag overrides and builds the
// clients every command shares.
func setupServices() (*svcctx.Services, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}

	cm, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		if err := cm.Set("server.base_url", serverURL); err != nil {
			return nil, fmt.Errorf("--server: %w", err)
		}
	}
	if logLevel != "" {
		if err := cm.Set("log.level", logLevel); err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
	}
	cfg := cm.Get()

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cm.SetLogger(logger)

	client := api.NewClient(cfg.Server.BaseURL,
		api.WithTimeout(cfg.Timeout()),
		api.WithRetry(cfg.Server.MaxRetries, cfg.RetryDelay()),
		api.WithUserAgent(version.UserAgent()),
		api.WithLogger(logger),
	)
	transport := stream.NewTransport(stream.Config{
		BaseURL:   cfg.Server.BaseURL,
		UserAgent: version.UserAgent(),
		Logger:    logger,
	})

	store, err := runs.NewFileStore(h, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("services ready", "server", cfg.Server.BaseURL, "home", h.Path(), "config", cm.ConfigFileUsed())
	return &svcctx.Services{
		Config:     cm,
		Logger:     logger,
		Home:       h,
		Client:     client,
		Compliance: compliance.New(client),
		Transport:  transport,
		Runs:       store,
	}, nil
}

// services returns the Services attached by the root command.
func services(cmd *cobra.Command) *svcctx.Services {
	return svcctx.ServicesFrom(cmd.Context())
}
