// Package stage runs one remote compliance stage to completion.
package stage

import (
	"fmt"
	"net/url"

	"github.com/taxdesk/taxdesk/internal/stream"
)

// Name identifies a stage.
type Name string

const (
	Extraction Name = "extraction"
	Validation Name = "validation"
	Resolution Name = "resolution"
	Reporting  Name = "reporting"
)

// Spec describes how to drive one stage against the compliance service.
type Spec struct {
	Name Name

	// Agent is the display name of the server-side agent running the stage.
	Agent       string
	Description string

	// StreamPath is a format string with one %s for the upload id.
	StreamPath string
	Dialect    stream.Dialect

	// DependsOn names the stage whose result feeds this one.
	// Empty for the first stage.
	DependsOn Name
}

// Path returns the stream path for targetID.
func (s Spec) Path(targetID string) string {
	return fmt.Sprintf(s.StreamPath, url.PathEscape(targetID))
}

// RequiresInput reports whether Start needs the predecessor's result.
func (s Spec) RequiresInput() bool {
	return s.DependsOn != ""
}

// Specs returns the four compliance stages in pipeline order.
func Specs() []Spec {
	return []Spec{
		{
			Name:        Extraction,
			Agent:       "Extractor Agent",
			Description: "OCR and invoice field extraction",
			StreamPath:  "/extraction/%s/stream",
			Dialect:     stream.DialectType,
		},
		{
			Name:        Validation,
			Agent:       "Validator Agent",
			Description: "GST/TDS compliance checks",
			StreamPath:  "/validation/%s/stream",
			Dialect:     stream.DialectStep,
			DependsOn:   Extraction,
		},
		{
			Name:        Resolution,
			Agent:       "Resolver Agent",
			Description: "Conflict and ambiguity resolution",
			StreamPath:  "/resolver/%s/stream",
			Dialect:     stream.DialectStep,
			DependsOn:   Validation,
		},
		{
			Name:        Reporting,
			Agent:       "Reporter Agent",
			Description: "Compliance report generation",
			StreamPath:  "/reporter/%s/stream",
			Dialect:     stream.DialectStep,
			DependsOn:   Resolution,
		},
	}
}
