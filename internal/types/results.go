package types

import "encoding/json"

// Typed views over stage results. The pipeline treats results as opaque
// JSON; only the review and transcript layers decode them.

// ExtractionDecision values emitted by the extractor.
const (
	DecisionAccept = "ACCEPT"
	DecisionReject = "REJECT"
)

// ExtractionResult is the terminal payload of the extraction stage.
type ExtractionResult struct {
	Decision         string         `json:"decision" yaml:"decision"`
	ConfidenceScore  float64        `json:"confidence_score" yaml:"confidence_score"`
	IsValidInvoice   bool           `json:"is_valid_invoice" yaml:"is_valid_invoice"`
	DocumentType     string         `json:"document_type,omitempty" yaml:"document_type,omitempty"`
	RejectionReasons []string       `json:"rejection_reasons,omitempty" yaml:"rejection_reasons,omitempty"`
	ExtractedFields  map[string]any `json:"extracted_fields,omitempty" yaml:"extracted_fields,omitempty"`
}

// Accepted reports whether the extractor accepted the document.
func (r ExtractionResult) Accepted() bool {
	return r.Decision == DecisionAccept
}

// ValidationCheck is one compliance rule evaluation.
type ValidationCheck struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	Status   string `json:"status,omitempty" yaml:"status,omitempty"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
}

// HumanIntervention is the validator's escalation request.
type HumanIntervention struct {
	Required              bool     `json:"required" yaml:"required"`
	ApprovalLevelRequired string   `json:"approval_level_required,omitempty" yaml:"approval_level_required,omitempty"`
	Reasons               []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// ValidationResult is the terminal payload of the validation stage.
type ValidationResult struct {
	OverallStatus     string             `json:"overall_status" yaml:"overall_status"`
	ComplianceScore   float64            `json:"compliance_score" yaml:"compliance_score"`
	ChecksPassed      int                `json:"checks_passed" yaml:"checks_passed"`
	ChecksFailed      int                `json:"checks_failed" yaml:"checks_failed"`
	ChecksWarned      int                `json:"checks_warned" yaml:"checks_warned"`
	Checks            []ValidationCheck  `json:"checks,omitempty" yaml:"checks,omitempty"`
	HumanIntervention *HumanIntervention `json:"human_intervention,omitempty" yaml:"human_intervention,omitempty"`
}

// ResolutionResult is the terminal payload of the resolution stage.
// Resolutions and risks are free-form; only their counts are summarized.
type ResolutionResult struct {
	FinalRecommendation string            `json:"final_recommendation" yaml:"final_recommendation"`
	ConfidenceScore     float64           `json:"confidence_score" yaml:"confidence_score"`
	ConflictResolutions []json.RawMessage `json:"conflict_resolutions,omitempty" yaml:"-"`
	KeyRisks            []json.RawMessage `json:"key_risks,omitempty" yaml:"-"`
	RequiresHumanReview bool              `json:"requires_human_review" yaml:"requires_human_review"`
}

// ReportDecision is the reporter's final call: APPROVE, REJECT or REVIEW.
type ReportDecision struct {
	Status string `json:"status" yaml:"status"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RiskAssessment grades the invoice: LOW, MEDIUM, HIGH or CRITICAL.
type RiskAssessment struct {
	Level   string   `json:"level" yaml:"level"`
	Factors []string `json:"factors,omitempty" yaml:"factors,omitempty"`
}

// ComplianceStats counts check outcomes.
type ComplianceStats struct {
	Passed   int `json:"passed" yaml:"passed"`
	Failed   int `json:"failed" yaml:"failed"`
	Warnings int `json:"warnings" yaml:"warnings"`
}

// ActionItem is one follow-up the reporter asks for.
type ActionItem struct {
	Priority string `json:"priority" yaml:"priority"`
	Action   string `json:"action" yaml:"action"`
}

// ReportResult is the terminal payload of the reporting stage.
type ReportResult struct {
	Decision         ReportDecision   `json:"decision" yaml:"decision"`
	RiskAssessment   RiskAssessment   `json:"risk_assessment" yaml:"risk_assessment"`
	ExecutiveSummary string           `json:"executive_summary,omitempty" yaml:"executive_summary,omitempty"`
	ComplianceStats  *ComplianceStats `json:"compliance_stats,omitempty" yaml:"compliance_stats,omitempty"`
	ActionItems      []ActionItem     `json:"action_items,omitempty" yaml:"action_items,omitempty"`
}
