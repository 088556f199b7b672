package compliance

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/ingest"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/types"
)

var (
	_ api.Endpoint = (*UploadEndpoint)(nil)
	_ api.Endpoint = (*ListInvoicesEndpoint)(nil)
	_ api.Endpoint = (*SetInvoiceStatusEndpoint)(nil)
	_ api.Endpoint = (*RunStageEndpoint)(nil)
	_ api.Endpoint = (*GetStageEndpoint)(nil)
	_ api.Endpoint = (*TextReportEndpoint)(nil)
	_ api.Endpoint = (*StatisticsEndpoint)(nil)
	_ api.Endpoint = (*DashboardStatsEndpoint)(nil)
	_ api.Endpoint = (*GetLLMSettingsEndpoint)(nil)
	_ api.Endpoint = (*SetLLMProviderEndpoint)(nil)
)

// Register adds every compliance endpoint to reg.
func Register(reg *api.Registry) {
	reg.AddGroup(api.Group{Name: "invoices", Short: "Invoice listing and review decisions"})
	for _, s := range stage.Specs() {
		reg.AddGroup(api.Group{Name: string(s.Name), Short: fmt.Sprintf("%s (%s)", s.Agent, s.Description)})
	}
	reg.AddGroup(api.Group{Name: "reports", Short: "Aggregated report statistics"})
	reg.AddGroup(api.Group{Name: "settings", Short: "Service settings"})

	reg.Register("", &UploadEndpoint{})
	reg.Register("invoices", &ListInvoicesEndpoint{})
	reg.Register("invoices", &SetInvoiceStatusEndpoint{})
	for _, s := range stage.Specs() {
		reg.Register(string(s.Name), &RunStageEndpoint{Stage: s.Name})
		reg.Register(string(s.Name), &GetStageEndpoint{Stage: s.Name})
	}
	reg.Register(string(stage.Reporting), &TextReportEndpoint{})
	reg.Register("reports", &StatisticsEndpoint{})
	reg.Register("reports", &DashboardStatsEndpoint{})
	reg.Register("settings", &GetLLMSettingsEndpoint{})
	reg.Register("settings", &SetLLMProviderEndpoint{})
}

// UploadEndpoint handles POST /uploads/.
type UploadEndpoint struct{}

func (e *UploadEndpoint) Route() (string, string) {
	return http.MethodPost, "/uploads/"
}

func (e *UploadEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents as one batch",
		Long: `Upload invoices, receipts and ledgers to the compliance service.

Files are checked locally first (type, size, PDF structure); nothing is sent
if any file fails. Accepted types: .pdf .png .jpg .jpeg .json .csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := ingest.Inspect(args, nil)
			if err != nil {
				return err
			}
			if dryRun {
				return api.Output(files)
			}
			records, err := New(getClient()).Upload(cmd.Context(), files)
			if err != nil {
				return err
			}
			return api.Output(records)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Inspect files without uploading")
	return cmd
}

// ListInvoicesEndpoint handles GET /invoices/.
type ListInvoicesEndpoint struct{}

func (e *ListInvoicesEndpoint) Route() (string, string) {
	return http.MethodGet, "/invoices/"
}

func (e *ListInvoicesEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			invoices, err := New(getClient()).Invoices(cmd.Context())
			if err != nil {
				return err
			}
			return api.Output(invoices)
		},
	}
}

// SetInvoiceStatusEndpoint handles PATCH /invoices/{id}/status.
type SetInvoiceStatusEndpoint struct{}

func (e *SetInvoiceStatusEndpoint) Route() (string, string) {
	return http.MethodPatch, "/invoices/{id}/status?status={APPROVED|REJECTED}"
}

func (e *SetInvoiceStatusEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <id> <approved|rejected>",
		Short: "Record a review decision for an invoice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := types.ParseInvoiceStatus(args[1])
			if !ok {
				return ErrInvalidStatus
			}
			resp, err := New(getClient()).SetInvoiceStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RunStageEndpoint handles POST on a stage collection: it runs the stage
// synchronously and returns its result.
type RunStageEndpoint struct {
	Stage stage.Name
}

func (e *RunStageEndpoint) Route() (string, string) {
	return http.MethodPost, stageRoots[e.Stage] + "/{id}"
}

func (e *RunStageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var batchContext, historical, reportType string
	cmd := &cobra.Command{
		Use:   "run <upload-id>",
		Short: fmt.Sprintf("Run %s and wait for the result", e.Stage),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := New(getClient())
			var (
				result json.RawMessage
				err    error
			)
			switch e.Stage {
			case stage.Resolution:
				req, rerr := resolveRequest(batchContext, historical)
				if rerr != nil {
					return rerr
				}
				result, err = client.Resolve(cmd.Context(), args[0], req)
			case stage.Reporting:
				result, err = client.GenerateReport(cmd.Context(), args[0], reportType)
			default:
				result, err = client.RunStage(cmd.Context(), e.Stage, args[0], nil)
			}
			if err != nil {
				return err
			}
			return api.Output(result)
		},
	}
	switch e.Stage {
	case stage.Resolution:
		cmd.Flags().StringVar(&batchContext, "batch-context", "", "Batch context as JSON")
		cmd.Flags().StringVar(&historical, "historical-decisions", "", "Historical decisions as JSON")
	case stage.Reporting:
		cmd.Flags().StringVar(&reportType, "type", DefaultReportType, "Report type")
	}
	return cmd
}

// resolveRequest parses the optional JSON flags; empty flags are sent as null.
func resolveRequest(batchContext, historical string) (ResolveRequest, error) {
	var req ResolveRequest
	for _, f := range []struct {
		name  string
		value string
		dst   *json.RawMessage
	}{
		{"batch-context", batchContext, &req.BatchContext},
		{"historical-decisions", historical, &req.HistoricalDecisions},
	} {
		if f.value == "" {
			*f.dst = json.RawMessage("null")
			continue
		}
		if !json.Valid([]byte(f.value)) {
			return ResolveRequest{}, fmt.Errorf("--%s is not valid JSON", f.name)
		}
		*f.dst = json.RawMessage(f.value)
	}
	return req, nil
}

// GetStageEndpoint handles GET on a stage collection.
type GetStageEndpoint struct {
	Stage stage.Name
}

func (e *GetStageEndpoint) Route() (string, string) {
	return http.MethodGet, stageRoots[e.Stage] + "/{id}"
}

func (e *GetStageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <upload-id>",
		Short: fmt.Sprintf("Get the stored %s result", e.Stage),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := New(getClient()).StageResult(cmd.Context(), e.Stage, args[0])
			if err != nil {
				return err
			}
			return api.Output(result)
		},
	}
}

// TextReportEndpoint handles GET /reporter/{id}/text.
type TextReportEndpoint struct{}

func (e *TextReportEndpoint) Route() (string, string) {
	return http.MethodGet, "/reporter/{id}/text"
}

func (e *TextReportEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "text <upload-id>",
		Short: "Print the plain-text report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := New(getClient()).TextReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
}

// StatisticsEndpoint handles GET /reports/statistics.
type StatisticsEndpoint struct{}

func (e *StatisticsEndpoint) Route() (string, string) {
	return http.MethodGet, "/reports/statistics"
}

func (e *StatisticsEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "statistics",
		Short: "Show aggregated report statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := New(getClient()).Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return api.Output(stats)
		},
	}
}

// DashboardStatsEndpoint handles GET /reports/dashboard-stats.
type DashboardStatsEndpoint struct{}

func (e *DashboardStatsEndpoint) Route() (string, string) {
	return http.MethodGet, "/reports/dashboard-stats"
}

func (e *DashboardStatsEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show dashboard stat counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := New(getClient()).DashboardStats(cmd.Context())
			if err != nil {
				return err
			}
			return api.Output(stats)
		},
	}
}

// GetLLMSettingsEndpoint handles GET /settings/llm.
type GetLLMSettingsEndpoint struct{}

func (e *GetLLMSettingsEndpoint) Route() (string, string) {
	return http.MethodGet, "/settings/llm"
}

func (e *GetLLMSettingsEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "llm",
		Short: "Show the model provider settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := New(getClient()).LLMSettings(cmd.Context())
			if err != nil {
				return err
			}
			return api.Output(settings)
		},
	}
}

// SetLLMProviderEndpoint handles POST /settings/llm.
type SetLLMProviderEndpoint struct{}

func (e *SetLLMProviderEndpoint) Route() (string, string) {
	return http.MethodPost, "/settings/llm"
}

func (e *SetLLMProviderEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "set-llm <provider>",
		Short: "Switch the service's model provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := New(getClient()).SetLLMProvider(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return api.Output(settings)
		},
	}
}
