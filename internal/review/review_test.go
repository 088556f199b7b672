package review

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/compliance"
	"github.com/taxdesk/taxdesk/internal/pipeline"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/types"
)

func TestConfidenceBand(t *testing.T) {
	tests := []struct {
		score float64
		want  Band
	}{
		{0.95, BandHigh},
		{0.8, BandHigh},
		{0.79, BandMedium},
		{0.5, BandMedium},
		{0.49, BandLow},
		{0, BandLow},
	}
	for _, tt := range tests {
		if got := ConfidenceBand(tt.score); got != tt.want {
			t.Errorf("ConfidenceBand(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func completedState() pipeline.State {
	return pipeline.State{
		RunID:    "run-1",
		UploadID: "7",
		Current:  pipeline.PhaseDone,
		Status:   pipeline.StatusCompleted,
		Results: map[stage.Name]json.RawMessage{
			stage.Extraction: json.RawMessage(`{"decision":"ACCEPT","confidence_score":0.91,"is_valid_invoice":true,"document_type":"tax_invoice"}`),
			stage.Validation: json.RawMessage(`{"overall_status":"REJECTED","compliance_score":40,"checks_passed":6,"checks_failed":3,"checks_warned":1,
				"human_intervention":{"required":true,"approval_level_required":"CFO","reasons":["GSTIN mismatch"]}}`),
			stage.Resolution: json.RawMessage(`{"final_recommendation":"REJECT","confidence_score":0.62,"conflict_resolutions":[{"field":"gstin"},{"field":"rate"}],"key_risks":["ITC reversal"],"requires_human_review":true}`),
			stage.Reporting: json.RawMessage(`{"decision":{"status":"REJECT","reason":"GSTIN invalid"},"risk_assessment":{"level":"HIGH"},
				"executive_summary":"Invoice fails GST checks.","compliance_stats":{"passed":6,"failed":3,"warnings":1},
				"action_items":[{"priority":"HIGH","action":"Request corrected invoice"},{"priority":"MEDIUM","action":"Verify GSTIN"},
				{"priority":"LOW","action":"Update vendor master"},{"priority":"LOW","action":"File note"}]}`),
		},
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize(completedState())

	want := Outcome{
		RunID:    "run-1",
		UploadID: "7",
		Status:   pipeline.StatusCompleted,
		Current:  pipeline.PhaseDone,
		Extraction: &Extraction{
			Decision:     "ACCEPT",
			Accepted:     true,
			Confidence:   0.91,
			Band:         BandHigh,
			DocumentType: "tax_invoice",
		},
		Validation: &Validation{
			Status:        "REJECTED",
			Score:         40,
			Passed:        6,
			Failed:        3,
			Warned:        1,
			Escalated:     true,
			ApprovalLevel: "CFO",
			Reasons:       []string{"GSTIN mismatch"},
		},
		Resolution: &Resolution{
			Recommendation: "REJECT",
			Confidence:     0.62,
			Band:           BandMedium,
			Resolutions:    2,
			Risks:          1,
			HumanReview:    true,
		},
		Report: &Report{
			Decision:    "REJECT",
			Reason:      "GSTIN invalid",
			Risk:        "HIGH",
			Summary:     "Invoice fails GST checks.",
			Stats:       &types.ComplianceStats{Passed: 6, Failed: 3, Warnings: 1},
			ActionItems: 4,
			TopActions: []types.ActionItem{
				{Priority: "HIGH", Action: "Request corrected invoice"},
				{Priority: "MEDIUM", Action: "Verify GSTIN"},
				{Priority: "LOW", Action: "Update vendor master"},
			},
		},
		Recommended: types.InvoiceRejected,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarize_Partial(t *testing.T) {
	s := completedState()
	delete(s.Results, stage.Resolution)
	delete(s.Results, stage.Reporting)
	s.Results[stage.Validation] = json.RawMessage(`"not an object"`)
	s.Status = pipeline.StatusFailed
	s.Current = pipeline.PhaseResolution
	s.Error = &pipeline.Failure{Stage: stage.Resolution, Message: "Connection lost"}

	got := Summarize(s)
	if got.Extraction == nil || got.Validation != nil || got.Resolution != nil || got.Report != nil {
		t.Errorf("unexpected sections: %+v", got)
	}
	if len(got.Problems) != 1 {
		t.Errorf("got problems %v, want one", got.Problems)
	}
	if got.Recommended != "" {
		t.Errorf("recommended = %s, want none", got.Recommended)
	}
	if got.Error == nil || got.Error.Message != "Connection lost" {
		t.Errorf("error not carried: %+v", got.Error)
	}
}

func TestReviewer(t *testing.T) {
	var (
		mu                sync.Mutex
		gotPath, gotQuery string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		mu.Unlock()
		if r.URL.Query().Get("status") == "REJECTED" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail": "Invoice not found"}`))
			return
		}
		w.Write([]byte(`{"id": 7, "status": "APPROVED"}`))
	}))
	defer server.Close()

	reviewer := NewReviewer(compliance.New(api.NewClient(server.URL)), nil)

	if err := reviewer.Approve(context.Background(), "7"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	mu.Lock()
	if gotPath != "/invoices/7/status" || gotQuery != "status=APPROVED" {
		t.Errorf("unexpected request %s?%s", gotPath, gotQuery)
	}
	mu.Unlock()

	err := reviewer.Reject(context.Background(), "7")
	if !api.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := reviewer.Decide(context.Background(), "7", "MAYBE"); !errors.Is(err, compliance.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}
