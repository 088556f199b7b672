// Package transcript prints pipeline progress as one line per event.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/taxdesk/taxdesk/internal/pipeline"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/types"
)

// Printer writes "[stage] filename: message" lines. It is safe for use as
// the progress callback of concurrent runs.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	names map[string]string
	quiet bool
}

// Option configures a Printer.
type Option func(*Printer)

// Quiet drops stream messages and keeps stage transitions only.
func Quiet() Option {
	return func(p *Printer) { p.quiet = true }
}

// New creates a Printer writing to w.
func New(w io.Writer, opts ...Option) *Printer {
	p := &Printer{w: w, names: make(map[string]string)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name sets the label printed for uploadID. Uploads without a name are
// labelled "upload <id>".
func (p *Printer) Name(uploadID, filename string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[uploadID] = filename
}

// Event prints ev. It has the signature of pipeline.ProgressFunc.
func (p *Printer) Event(ev pipeline.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Kind == pipeline.EventSkipped {
		fmt.Fprintf(p.w, "[skipped] %s\n", ev.Message)
		return
	}
	if ev.Kind == pipeline.EventMessage && p.quiet {
		return
	}

	label := p.names[ev.UploadID]
	if label == "" {
		label = "upload " + ev.UploadID
	}
	tag := string(ev.Stage)
	if tag == "" || tag == string(pipeline.PhaseNone) {
		tag = "pipeline"
	}

	fmt.Fprintf(p.w, "[%s] %s: %s\n", tag, label, line(ev))
}

func line(ev pipeline.Event) string {
	switch ev.Kind {
	case pipeline.EventCompleted:
		if s := CompletionLine(ev.Stage, ev.Result); s != "" {
			return s
		}
	case pipeline.EventFailed:
		return "Error: " + ev.Message
	}
	return ev.Message
}

// CompletionLine summarizes a stage result in one line, or returns "" when
// the result does not decode.
func CompletionLine(name stage.Name, result json.RawMessage) string {
	switch name {
	case stage.Extraction:
		var r types.ExtractionResult
		if json.Unmarshal(result, &r) != nil {
			return ""
		}
		if r.Accepted() {
			return "Analysis complete - Document ACCEPTED!"
		}
		return "Analysis complete - Document REJECTED"

	case stage.Validation:
		var r types.ValidationResult
		if json.Unmarshal(result, &r) != nil || r.OverallStatus == "" {
			return ""
		}
		return fmt.Sprintf("Validation complete - %s (%.0f%% compliant, %d passed, %d failed, %d warnings)",
			r.OverallStatus, r.ComplianceScore, r.ChecksPassed, r.ChecksFailed, r.ChecksWarned)

	case stage.Resolution:
		var r types.ResolutionResult
		if json.Unmarshal(result, &r) != nil || r.FinalRecommendation == "" {
			return ""
		}
		s := fmt.Sprintf("Resolution complete - %s (%.0f%% confidence)", r.FinalRecommendation, r.ConfidenceScore*100)
		if r.RequiresHumanReview {
			s += ", human review required"
		}
		return s

	case stage.Reporting:
		var r types.ReportResult
		if json.Unmarshal(result, &r) != nil || r.Decision.Status == "" {
			return ""
		}
		return fmt.Sprintf("Report ready - %s, risk %s, %d action items",
			r.Decision.Status, r.RiskAssessment.Level, len(r.ActionItems))
	}
	return ""
}
