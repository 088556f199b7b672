package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/ingest"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/types"
)

type request struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// recordingServer answers every request with reply and records what it saw.
func recordingServer(t *testing.T, reply string) (*Client, func() []request) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []request
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, request{Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.RawQuery, Body: string(body)})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(server.Close)
	requests := func() []request {
		mu.Lock()
		defer mu.Unlock()
		return append([]request(nil), seen...)
	}
	return New(api.NewClient(server.URL, api.WithRetry(1, time.Millisecond))), requests
}

func TestStagePath(t *testing.T) {
	tests := []struct {
		stage stage.Name
		id    string
		want  string
	}{
		{stage.Extraction, "7", "/extraction/7"},
		{stage.Validation, "7", "/validation/7"},
		{stage.Resolution, "7", "/resolver/7"},
		{stage.Reporting, "a/b", "/reporter/a%2Fb"},
	}
	for _, tt := range tests {
		got, err := StagePath(tt.stage, tt.id)
		if err != nil || got != tt.want {
			t.Errorf("StagePath(%s, %s) = %q, %v; want %q", tt.stage, tt.id, got, err, tt.want)
		}
	}

	if _, err := StagePath("ocr", "7"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
	if _, err := StagePath(stage.Extraction, ""); !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}

func TestClient_Stages(t *testing.T) {
	ctx := context.Background()
	client, seen := recordingServer(t, `{"decision": "ACCEPT"}`)

	if _, err := client.RunStage(ctx, stage.Extraction, "7", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := client.StageResult(ctx, stage.Validation, "7"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Resolve(ctx, "7", ResolveRequest{BatchContext: json.RawMessage(`{"batch":1}`)}); err != nil {
		t.Fatal(err)
	}
	result, err := client.GenerateReport(ctx, "7", "")
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `{"decision": "ACCEPT"}` {
		t.Errorf("result not kept verbatim: %s", result)
	}

	want := []request{
		{Method: "POST", Path: "/extraction/7"},
		{Method: "GET", Path: "/validation/7"},
		{Method: "POST", Path: "/resolver/7", Body: `{"batch_context":{"batch":1},"historical_decisions":null}`},
		{Method: "POST", Path: "/reporter/7", Body: `{"report_type":"executive_summary"}`},
	}
	if diff := cmp.Diff(want, seen()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_SetInvoiceStatus(t *testing.T) {
	ctx := context.Background()
	client, seen := recordingServer(t, `{"id": 7, "status": "APPROVED"}`)

	if _, err := client.SetInvoiceStatus(ctx, "7", types.InvoiceApproved); err != nil {
		t.Fatal(err)
	}
	got := seen()[0]
	if got.Method != http.MethodPatch || got.Path != "/invoices/7/status" || got.Query != "status=APPROVED" {
		t.Errorf("unexpected request %+v", got)
	}

	if _, err := client.SetInvoiceStatus(ctx, "7", "PENDING"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := client.SetInvoiceStatus(ctx, "", types.InvoiceRejected); !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
	if len(seen()) != 1 {
		t.Errorf("invalid calls reached the server: %d requests", len(seen()))
	}
}

func TestClient_Invoices(t *testing.T) {
	client, _ := recordingServer(t, `[{"id": 7, "filename": "a.pdf", "status": "APPROVED", "compliance_score": 92.5}]`)

	invoices, err := client.Invoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(invoices) != 1 || invoices[0].ID != "7" || *invoices[0].ComplianceScore != 92.5 {
		t.Errorf("unexpected invoices %+v", invoices)
	}
}

func TestClient_Settings(t *testing.T) {
	ctx := context.Background()
	client, seen := recordingServer(t, `{"provider": "gemini"}`)

	if _, err := client.SetLLMProvider(ctx, " gemini "); err != nil {
		t.Fatal(err)
	}
	if _, err := client.LLMSettings(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Statistics(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := client.DashboardStats(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := client.SetLLMProvider(ctx, ""); !errors.Is(err, ErrMissingProvider) {
		t.Errorf("expected ErrMissingProvider, got %v", err)
	}

	want := []request{
		{Method: "POST", Path: "/settings/llm", Body: `{"provider":"gemini"}`},
		{Method: "GET", Path: "/settings/llm"},
		{Method: "GET", Path: "/reports/statistics"},
		{Method: "GET", Path: "/reports/dashboard-stats"},
	}
	if diff := cmp.Diff(want, seen()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_TextReport(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain", "REPORT\nok", "REPORT\nok"},
		{"json string", `"REPORT\nok"`, "REPORT\nok"},
		{"report field", `{"report": "REPORT\nok", "upload_id": 7}`, "REPORT\nok"},
		{"text field", `{"text": "REPORT"}`, "REPORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, seen := recordingServer(t, tt.body)
			got, err := client.TextReport(context.Background(), "7")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if seen()[0].Path != "/reporter/7/text" {
				t.Errorf("path = %s", seen()[0].Path)
			}
		})
	}
}

func TestClient_Upload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.csv")
	if err := os.WriteFile(path, []byte("gstin,amount\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := ingest.Inspect([]string{path}, nil)
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uploads/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		fhs := r.MultipartForm.File[UploadField]
		if len(fhs) != 1 || fhs[0].Filename != "ledger.csv" || fhs[0].Header.Get("Content-Type") != "text/csv" {
			t.Errorf("unexpected parts %+v", fhs)
		}
		w.Write([]byte(`[{"id": 12, "filename": "ledger.csv", "status": "uploaded"}]`))
	}))
	defer server.Close()

	records, err := New(api.NewClient(server.URL)).Upload(context.Background(), files)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "12" || records[0].Status != types.UploadStatusUploaded {
		t.Errorf("unexpected records %+v", records)
	}

	if _, err := New(api.NewClient(server.URL)).Upload(context.Background(), nil); !errors.Is(err, ingest.ErrNoFiles) {
		t.Errorf("expected ErrNoFiles, got %v", err)
	}
}

func TestClient_ErrorDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail": {"loc": ["status"], "msg": "invalid"}}`))
	}))
	defer server.Close()

	_, err := New(api.NewClient(server.URL)).SetInvoiceStatus(context.Background(), "7", types.InvoiceRejected)
	if err == nil || !strings.Contains(err.Error(), `{"loc":["status"],"msg":"invalid"}`) {
		t.Errorf("expected compact detail, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	reg := api.NewRegistry()
	Register(reg)

	apiCmd, err := reg.BuildCommands(func() *api.Client { return nil })
	if err != nil {
		t.Fatalf("BuildCommands failed: %v", err)
	}

	for _, path := range [][]string{
		{"upload"},
		{"invoices", "list"},
		{"invoices", "set-status"},
		{"extraction", "run"},
		{"resolution", "run"},
		{"reporting", "text"},
		{"reports", "dashboard"},
		{"settings", "set-llm"},
	} {
		cmd, _, err := apiCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found: %v", path, err)
		}
	}

	routes := make(map[string]bool)
	for _, ep := range reg.Endpoints() {
		method, path := ep.Route()
		routes[method+" "+path] = true
	}
	for _, want := range []string{
		"POST /uploads/",
		"GET /invoices/",
		"POST /resolver/{id}",
		"GET /reporter/{id}/text",
		"GET /reports/statistics",
		"POST /settings/llm",
	} {
		if !routes[want] {
			t.Errorf("missing route %s", want)
		}
	}
}

func TestResolveRequest(t *testing.T) {
	req, err := resolveRequest(`[{"invoice": 1}]`, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(req.BatchContext) != `[{"invoice": 1}]` || string(req.HistoricalDecisions) != "null" {
		t.Errorf("unexpected request %+v", req)
	}
	if _, err := resolveRequest("{bad", ""); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
