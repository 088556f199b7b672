// Package types provides the wire types shared with the compliance service.
// This package has no dependencies on other taxdesk packages to avoid import cycles.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ID is a server-assigned identifier. The service emits integers today;
// they are kept as text so the client never depends on the numeric form.
type ID string

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(b), err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as used in request paths.
func (id ID) String() string { return string(id) }

// UploadStatus is the server's verdict on one uploaded file.
type UploadStatus string

const (
	// UploadStatusUploaded marks a newly stored document.
	UploadStatusUploaded UploadStatus = "uploaded"
	// UploadStatusDuplicate marks a file the server already holds.
	UploadStatusDuplicate UploadStatus = "duplicate"
)

// UploadRecord is one uploaded document as reported by POST /uploads/.
// The server owns the record; clients refer to it by ID.
type UploadRecord struct {
	ID          ID           `json:"id" yaml:"id"`
	Filename    string       `json:"filename" yaml:"filename"`
	ContentType string       `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Size        int64        `json:"size,omitempty" yaml:"size,omitempty"`
	CreatedAt   *time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Status      UploadStatus `json:"status" yaml:"status"`
}

// Processable reports whether the pipeline should run for this upload.
// Duplicates and entries without a server id are never processed.
func (u UploadRecord) Processable() bool {
	return u.ID != "" && u.Status != UploadStatusDuplicate
}

// InvoiceStatus is the review decision written back to the server.
type InvoiceStatus string

const (
	InvoiceApproved InvoiceStatus = "APPROVED"
	InvoiceRejected InvoiceStatus = "REJECTED"
)

// ParseInvoiceStatus converts user input to an InvoiceStatus.
// Returns false if the value is not recognized.
func ParseInvoiceStatus(s string) (InvoiceStatus, bool) {
	switch s {
	case "APPROVED", "approved", "approve":
		return InvoiceApproved, true
	case "REJECTED", "rejected", "reject":
		return InvoiceRejected, true
	default:
		return "", false
	}
}

// Invoice is a row from GET /invoices/.
type Invoice struct {
	ID              ID         `json:"id" yaml:"id"`
	Filename        string     `json:"filename,omitempty" yaml:"filename,omitempty"`
	Vendor          string     `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	GSTIN           string     `json:"gstin,omitempty" yaml:"gstin,omitempty"`
	Amount          any        `json:"amount,omitempty" yaml:"amount,omitempty"`
	Status          string     `json:"status,omitempty" yaml:"status,omitempty"`
	ComplianceScore *float64   `json:"compliance_score,omitempty" yaml:"compliance_score,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}
