package credential

import (
	"errors"
	"fmt"
)

// Sentinel errors for identity resolution.
var (
	// ErrStoreUnavailable means the credential store could not be opened.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrNotFound means no certificate matched the requested thumbprint.
	ErrNotFound = errors.New("certificate not found")

	// ErrAcquireKeyFailed means the certificate has no usable private key.
	ErrAcquireKeyFailed = errors.New("private key could not be acquired")

	// ErrContainerUnreadable means the container could not be opened or decrypted.
	ErrContainerUnreadable = errors.New("credential container unreadable")

	// ErrNoSigningKey means no container entry carries a private key.
	ErrNoSigningKey = errors.New("no entry with a private key")

	// ErrNoIdentity means an operation needs a loaded identity and there is none.
	ErrNoIdentity = errors.New("no identity loaded")
)

// Error wraps a credential failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) error {
	return &Error{Op: op, Err: err}
}
