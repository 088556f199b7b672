// Package review condenses a finished pipeline run into the outcome a
// reviewer acts on, and records the reviewer's decision.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/taxdesk/taxdesk/internal/compliance"
	"github.com/taxdesk/taxdesk/internal/pipeline"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/types"
)

// TopActions is how many action items the outcome lists.
const TopActions = 3

// Band grades a confidence score.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// ConfidenceBand grades a score in [0, 1].
func ConfidenceBand(score float64) Band {
	switch {
	case score >= 0.8:
		return BandHigh
	case score >= 0.5:
		return BandMedium
	default:
		return BandLow
	}
}

// Extraction summarizes the extractor's decision.
type Extraction struct {
	Decision         string   `json:"decision"`
	Accepted         bool     `json:"accepted"`
	Confidence       float64  `json:"confidence"`
	Band             Band     `json:"band"`
	DocumentType     string   `json:"document_type,omitempty"`
	RejectionReasons []string `json:"rejection_reasons,omitempty"`
}

// Validation summarizes the compliance checks.
type Validation struct {
	Status        string   `json:"status"`
	Score         float64  `json:"score"`
	Passed        int      `json:"passed"`
	Failed        int      `json:"failed"`
	Warned        int      `json:"warned"`
	Escalated     bool     `json:"escalated,omitempty"`
	ApprovalLevel string   `json:"approval_level,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
}

// Resolution summarizes the resolver's recommendation.
type Resolution struct {
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	Band           Band    `json:"band"`
	Resolutions    int     `json:"resolutions"`
	Risks          int     `json:"risks"`
	HumanReview    bool    `json:"human_review,omitempty"`
}

// Report summarizes the final report.
type Report struct {
	Decision    string                 `json:"decision"`
	Reason      string                 `json:"reason,omitempty"`
	Risk        string                 `json:"risk"`
	Summary     string                 `json:"summary,omitempty"`
	Stats       *types.ComplianceStats `json:"stats,omitempty"`
	ActionItems int                    `json:"action_items"`
	TopActions  []types.ActionItem     `json:"top_actions,omitempty"`
}

// Outcome is the aggregate view of one run. Stages without a result are nil.
type Outcome struct {
	RunID      string            `json:"run_id"`
	UploadID   string            `json:"upload_id"`
	Status     pipeline.Status   `json:"status"`
	Current    pipeline.Phase    `json:"current"`
	Error      *pipeline.Failure `json:"error,omitempty"`
	Extraction *Extraction       `json:"extraction,omitempty"`
	Validation *Validation       `json:"validation,omitempty"`
	Resolution *Resolution       `json:"resolution,omitempty"`
	Report     *Report           `json:"report,omitempty"`

	// Recommended is the invoice status the report points to, if any.
	Recommended types.InvoiceStatus `json:"recommended,omitempty"`

	// Problems lists results that did not match their expected shape.
	Problems []string `json:"problems,omitempty"`
}

// Summarize builds the outcome of s. Results that fail to decode are
// reported in Problems and otherwise skipped.
func Summarize(s pipeline.State) Outcome {
	out := Outcome{
		RunID:    s.RunID,
		UploadID: s.UploadID,
		Status:   s.Status,
		Current:  s.Current,
		Error:    s.Error,
	}

	var ext types.ExtractionResult
	if out.decode(s, stage.Extraction, &ext) {
		out.Extraction = &Extraction{
			Decision:         ext.Decision,
			Accepted:         ext.Accepted(),
			Confidence:       ext.ConfidenceScore,
			Band:             ConfidenceBand(ext.ConfidenceScore),
			DocumentType:     ext.DocumentType,
			RejectionReasons: ext.RejectionReasons,
		}
	}

	var val types.ValidationResult
	if out.decode(s, stage.Validation, &val) {
		v := &Validation{
			Status: val.OverallStatus,
			Score:  val.ComplianceScore,
			Passed: val.ChecksPassed,
			Failed: val.ChecksFailed,
			Warned: val.ChecksWarned,
		}
		if hi := val.HumanIntervention; hi != nil && hi.Required {
			v.Escalated = true
			v.ApprovalLevel = hi.ApprovalLevelRequired
			v.Reasons = hi.Reasons
		}
		out.Validation = v
	}

	var res types.ResolutionResult
	if out.decode(s, stage.Resolution, &res) {
		out.Resolution = &Resolution{
			Recommendation: res.FinalRecommendation,
			Confidence:     res.ConfidenceScore,
			Band:           ConfidenceBand(res.ConfidenceScore),
			Resolutions:    len(res.ConflictResolutions),
			Risks:          len(res.KeyRisks),
			HumanReview:    res.RequiresHumanReview,
		}
	}

	var rep types.ReportResult
	if out.decode(s, stage.Reporting, &rep) {
		r := &Report{
			Decision:    rep.Decision.Status,
			Reason:      rep.Decision.Reason,
			Risk:        rep.RiskAssessment.Level,
			Summary:     rep.ExecutiveSummary,
			Stats:       rep.ComplianceStats,
			ActionItems: len(rep.ActionItems),
		}
		if n := min(len(rep.ActionItems), TopActions); n > 0 {
			r.TopActions = rep.ActionItems[:n]
		}
		out.Report = r
		out.Recommended = recommended(rep.Decision.Status)
	}

	return out
}

// decode unmarshals the result of name into v. It reports false when the
// stage has no result or the result does not decode.
func (o *Outcome) decode(s pipeline.State, name stage.Name, v any) bool {
	raw := s.Result(name)
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		o.Problems = append(o.Problems, fmt.Sprintf("%s result: %v", name, err))
		return false
	}
	return true
}

// recommended maps the report's decision onto an invoice status.
// REVIEW and unknown decisions leave the choice to the reviewer.
func recommended(decision string) types.InvoiceStatus {
	switch decision {
	case "APPROVE", "APPROVED":
		return types.InvoiceApproved
	case "REJECT", "REJECTED":
		return types.InvoiceRejected
	default:
		return ""
	}
}

// Reviewer writes review decisions back to the service. The invoice id is
// the upload id.
type Reviewer struct {
	client *compliance.Client
	logger *slog.Logger
}

// NewReviewer creates a Reviewer.
func NewReviewer(client *compliance.Client, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{client: client, logger: logger}
}

// Approve marks the invoice APPROVED.
func (r *Reviewer) Approve(ctx context.Context, uploadID string) error {
	return r.Decide(ctx, uploadID, types.InvoiceApproved)
}

// Reject marks the invoice REJECTED.
func (r *Reviewer) Reject(ctx context.Context, uploadID string) error {
	return r.Decide(ctx, uploadID, types.InvoiceRejected)
}

// Decide records status for the invoice.
func (r *Reviewer) Decide(ctx context.Context, uploadID string, status types.InvoiceStatus) error {
	if _, err := r.client.SetInvoiceStatus(ctx, uploadID, status); err != nil {
		return fmt.Errorf("failed to mark invoice %s %s: %w", uploadID, status, err)
	}
	r.logger.Info("invoice reviewed", "invoice_id", uploadID, "status", status)
	return nil
}
