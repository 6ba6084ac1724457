// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"errors"
	"net/http"

	"github.com/remiblancher/qsign/internal/api/dto"
	"github.com/remiblancher/qsign/internal/credential"
	"github.com/remiblancher/qsign/internal/pdf"
	"github.com/remiblancher/qsign/internal/tsa"
)

// Error codes for API responses.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeStoreUnavailable    = "STORE_UNAVAILABLE"
	CodeCertNotFound        = "CERT_NOT_FOUND"
	CodeKeyUnavailable      = "KEY_UNAVAILABLE"
	CodeContainerUnreadable = "CONTAINER_UNREADABLE"
	CodeNoSigningKey        = "NO_SIGNING_KEY"
	CodeInvalidDocument     = "INVALID_DOCUMENT"
	CodeTrailerNotFound     = "TRAILER_NOT_FOUND"
	CodeSignFailed          = "SIGN_FAILED"
	CodeWriteFailed         = "WRITE_FAILED"
	CodeTSAUnavailable      = "TSA_UNAVAILABLE"
)

// ErrBadRequest marks malformed client input.
var ErrBadRequest = errors.New("bad request")

// MapError maps an internal error to an HTTP status code and APIError.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	status, code := classify(err)
	apiErr := &dto.APIError{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError && code == CodeInternal {
		apiErr.Message = "An internal error occurred"
	}

	var se *pdf.StageError
	if errors.As(err, &se) {
		apiErr.Details = map[string]string{"stage": string(se.Stage)}
	}
	var ce *credential.Error
	if errors.As(err, &ce) {
		apiErr.Details = map[string]string{"operation": ce.Op}
	}
	return status, apiErr
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, pdf.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, credential.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	case errors.Is(err, credential.ErrNotFound):
		return http.StatusNotFound, CodeCertNotFound
	case errors.Is(err, credential.ErrAcquireKeyFailed),
		errors.Is(err, credential.ErrNoIdentity),
		errors.Is(err, pdf.ErrNoPrivateKey):
		return http.StatusUnprocessableEntity, CodeKeyUnavailable
	case errors.Is(err, credential.ErrContainerUnreadable):
		return http.StatusUnprocessableEntity, CodeContainerUnreadable
	case errors.Is(err, credential.ErrNoSigningKey):
		return http.StatusUnprocessableEntity, CodeNoSigningKey
	case errors.Is(err, pdf.ErrInvalidFormat), errors.Is(err, pdf.ErrReadFailed):
		return http.StatusUnprocessableEntity, CodeInvalidDocument
	case errors.Is(err, pdf.ErrTrailerNotFound):
		return http.StatusUnprocessableEntity, CodeTrailerNotFound
	case errors.Is(err, pdf.ErrSignFailed), errors.Is(err, pdf.ErrDigestFailed):
		return http.StatusInternalServerError, CodeSignFailed
	case errors.Is(err, pdf.ErrWriteFailed):
		return http.StatusInternalServerError, CodeWriteFailed
	case errors.Is(err, tsa.ErrAllAuthoritiesFailed), errors.Is(err, tsa.ErrNoAuthorities):
		return http.StatusBadGateway, CodeTSAUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewUnauthorized creates an authentication error.
func NewUnauthorized(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}
