package dto

import "github.com/remiblancher/qsign/internal/pdf"

// SignRequest represents a document signing request.
type SignRequest struct {
	// Document is the PDF to sign.
	Document BinaryData `json:"document"`

	// Identity selects the signing identity.
	Identity IdentityRequest `json:"identity"`

	// Position places the signature. Page defaults to 1.
	Position pdf.Position `json:"position"`

	// IncludeTimestamp requests a timestamp token.
	IncludeTimestamp bool `json:"include_timestamp"`

	// Metadata overrides the configured reason, location and contact.
	Metadata pdf.Metadata `json:"metadata"`
}

// SignResponse represents the result of a signing run.
type SignResponse struct {
	Success            bool        `json:"success"`
	Error              string      `json:"error,omitempty"`
	FailedStage        string      `json:"failed_stage,omitempty"`
	OperationID        string      `json:"operation_id"`
	TimestampAuthority string      `json:"timestamp_authority"`
	SigningTime        string      `json:"signing_time,omitempty"`
	OriginalSize       int64       `json:"original_size"`
	SignedSize         int64       `json:"signed_size"`
	Document           *BinaryData `json:"document,omitempty"`
}

// ValidateRequest represents a document validation request.
type ValidateRequest struct {
	Document BinaryData `json:"document"`
}

// ValidateResponse reports the document check.
type ValidateResponse = pdf.Info
