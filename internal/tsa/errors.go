// Package tsa implements an RFC 3161 Time-Stamp Protocol client with
// ordered fallback across several timestamp authorities.
package tsa

import (
	"errors"
	"fmt"
)

// Error represents a timestamp operation error with structured context.
// It supports errors.Is() and errors.As().
type Error struct {
	Op  string // "request", "response", "probe", "config"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tsa %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new Error with the given operation and error.
func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// Sentinel errors for timestamp operations.
var (
	// ErrNoAuthorities indicates the authority list is empty.
	ErrNoAuthorities = errors.New("no timestamp authorities configured")

	// ErrAllAuthoritiesFailed indicates every authority was tried and none answered.
	ErrAllAuthoritiesFailed = errors.New("all timestamp authorities failed")

	// ErrHTTPStatus indicates the authority answered with a non-200 status.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrEmptyResponse indicates a 200 answer without a body.
	ErrEmptyResponse = errors.New("empty timestamp response")

	// ErrInvalidResponse indicates the timestamp response is malformed.
	ErrInvalidResponse = errors.New("invalid timestamp response")

	// ErrRejected indicates the authority refused the request.
	ErrRejected = errors.New("timestamp request rejected")

	// ErrNonceMismatch indicates the nonce in the token does not match the request.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrImprintMismatch indicates the token covers a different digest.
	ErrImprintMismatch = errors.New("message imprint mismatch")

	// ErrUnsupportedHashAlgorithm indicates the hash algorithm has no TSP identifier.
	ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")

	// ErrInvalidAuthority indicates an authority entry is unusable.
	ErrInvalidAuthority = errors.New("invalid timestamp authority")
)

// StatusError carries the HTTP status of a failed attempt.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d", ErrHTTPStatus, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrHTTPStatus }
