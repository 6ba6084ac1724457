package pdf

import (
	"errors"
	"fmt"
)

// Sentinel errors of the signing pipeline.
var (
	// ErrReadFailed means the input document could not be read.
	ErrReadFailed = errors.New("failed to read document")

	// ErrInvalidFormat means the input does not start with the PDF header.
	ErrInvalidFormat = errors.New("document is not a PDF")

	// ErrTrailerNotFound means the input has no %%EOF marker.
	ErrTrailerNotFound = errors.New("end-of-file marker not found")

	// ErrWriteFailed means the signed document could not be persisted.
	ErrWriteFailed = errors.New("failed to write signed document")

	// ErrDigestFailed means the document digest could not be computed.
	ErrDigestFailed = errors.New("failed to compute document digest")

	// ErrNoPrivateKey means no signing key is bound to the request.
	ErrNoPrivateKey = errors.New("no private key available")

	// ErrSignFailed means the key refused or failed to sign.
	ErrSignFailed = errors.New("signing operation failed")

	// ErrInvalidRequest means the signing request is malformed.
	ErrInvalidRequest = errors.New("invalid signing request")

	// ErrNoSignature means the document carries no signature dictionary.
	ErrNoSignature = errors.New("no embedded signature")

	// ErrSignatureInvalid means an embedded signature does not verify.
	ErrSignatureInvalid = errors.New("signature does not verify")
)

// StageError records the pipeline state in which a signing run failed.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pdf %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
