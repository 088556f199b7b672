// Package compliance is a typed client for the compliance service's REST
// operations. Streams are consumed by the stream and stage packages; this
// package covers the one-shot reads and actions around them.
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/ingest"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/types"
)

// UploadField is the multipart field the upload endpoint reads files from.
const UploadField = "files"

// DefaultReportType is what the dashboard requests when generating a report.
const DefaultReportType = "executive_summary"

var (
	ErrUnknownStage    = errors.New("unknown stage")
	ErrMissingID       = errors.New("id is required")
	ErrInvalidStatus   = errors.New("status must be APPROVED or REJECTED")
	ErrMissingProvider = errors.New("provider is required")
)

// stageRoots maps each stage to the collection its REST operations live
// under. Resolution and reporting are served by the resolver and reporter.
var stageRoots = map[stage.Name]string{
	stage.Extraction: "/extraction",
	stage.Validation: "/validation",
	stage.Resolution: "/resolver",
	stage.Reporting:  "/reporter",
}

// StagePath returns the REST path of a stage result for id.
func StagePath(name stage.Name, id string) (string, error) {
	root, ok := stageRoots[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	if id == "" {
		return "", ErrMissingID
	}
	return root + "/" + url.PathEscape(id), nil
}

// ResolveRequest is the optional context sent when running resolution.
type ResolveRequest struct {
	BatchContext        json.RawMessage `json:"batch_context"`
	HistoricalDecisions json.RawMessage `json:"historical_decisions"`
}

// ReportRequest selects the kind of report to generate.
type ReportRequest struct {
	ReportType string `json:"report_type"`
}

// LLMProviderRequest switches the model provider used by the service.
type LLMProviderRequest struct {
	Provider string `json:"provider"`
}

// Client wraps api.Client with the service's operations.
type Client struct {
	api *api.Client
}

// New creates a Client over c.
func New(c *api.Client) *Client {
	return &Client{api: c}
}

// Upload sends files as one multipart batch and returns the server's record
// for each, in the order the server reports them.
func (c *Client) Upload(ctx context.Context, files []ingest.File) ([]types.UploadRecord, error) {
	if len(files) == 0 {
		return nil, ingest.ErrNoFiles
	}

	parts := make([]api.FilePart, 0, len(files))
	for _, f := range files {
		fh, err := os.Open(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
		}
		defer fh.Close()
		parts = append(parts, api.FilePart{Filename: f.Name, ContentType: f.ContentType, Content: fh})
	}

	var records []types.UploadRecord
	if err := c.api.PostMultipart(ctx, "/uploads/", UploadField, parts, &records); err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	return records, nil
}

// Invoices lists every invoice the service holds.
func (c *Client) Invoices(ctx context.Context) ([]types.Invoice, error) {
	var invoices []types.Invoice
	if err := c.api.Get(ctx, "/invoices/", &invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

// SetInvoiceStatus records the review decision for an invoice.
func (c *Client) SetInvoiceStatus(ctx context.Context, id string, status types.InvoiceStatus) (json.RawMessage, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	if status != types.InvoiceApproved && status != types.InvoiceRejected {
		return nil, ErrInvalidStatus
	}
	path := fmt.Sprintf("/invoices/%s/status?status=%s", url.PathEscape(id), url.QueryEscape(string(status)))
	var resp json.RawMessage
	if err := c.api.Patch(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunStage runs a stage synchronously on the server and returns its result.
// body is sent as JSON when non-nil.
func (c *Client) RunStage(ctx context.Context, name stage.Name, id string, body any) (json.RawMessage, error) {
	path, err := StagePath(name, id)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if err := c.api.Post(ctx, path, body, &result); err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return result, nil
}

// StageResult fetches the stored result of a stage.
func (c *Client) StageResult(ctx context.Context, name stage.Name, id string) (json.RawMessage, error) {
	path, err := StagePath(name, id)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if err := c.api.Get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve runs resolution with optional batch and historical context.
func (c *Client) Resolve(ctx context.Context, id string, req ResolveRequest) (json.RawMessage, error) {
	return c.RunStage(ctx, stage.Resolution, id, req)
}

// GenerateReport runs the reporter. An empty reportType uses DefaultReportType.
func (c *Client) GenerateReport(ctx context.Context, id, reportType string) (json.RawMessage, error) {
	if reportType == "" {
		reportType = DefaultReportType
	}
	return c.RunStage(ctx, stage.Reporting, id, ReportRequest{ReportType: reportType})
}

// TextReport fetches the plain-text rendering of a report. The service
// answers with either a bare text body, a JSON string, or an object holding
// the text under "report" or "text".
func (c *Client) TextReport(ctx context.Context, id string) (string, error) {
	path, err := StagePath(stage.Reporting, id)
	if err != nil {
		return "", err
	}
	body, err := c.api.GetText(ctx, path+"/text")
	if err != nil {
		return "", err
	}
	return reportText(body), nil
}

func reportText(body string) string {
	trimmed := strings.TrimSpace(body)
	var s string
	if json.Unmarshal([]byte(trimmed), &s) == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal([]byte(trimmed), &obj) == nil {
		for _, key := range []string{"report", "text"} {
			if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
				return s
			}
		}
	}
	return body
}

// Statistics returns the aggregated report statistics.
func (c *Client) Statistics(ctx context.Context) (json.RawMessage, error) {
	var stats json.RawMessage
	if err := c.api.Get(ctx, "/reports/statistics", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// DashboardStats returns the dashboard's stat card counts.
func (c *Client) DashboardStats(ctx context.Context) (json.RawMessage, error) {
	var stats json.RawMessage
	if err := c.api.Get(ctx, "/reports/dashboard-stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// LLMSettings returns the service's current model provider settings.
func (c *Client) LLMSettings(ctx context.Context) (json.RawMessage, error) {
	var settings json.RawMessage
	if err := c.api.Get(ctx, "/settings/llm", &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SetLLMProvider switches the service's model provider.
func (c *Client) SetLLMProvider(ctx context.Context, provider string) (json.RawMessage, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, ErrMissingProvider
	}
	var settings json.RawMessage
	if err := c.api.Post(ctx, "/settings/llm", LLMProviderRequest{Provider: provider}, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}
