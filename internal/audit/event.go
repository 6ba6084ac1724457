// Package audit records a tamper-evident trail of signing operations.
//
// Audit logs are separate from technical logs:
//   - one JSON event per line, all timestamps in UTC
//   - each event carries the hash of its predecessor
//   - secrets (keys, PINs, container passwords) are never recorded
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EventType represents the category of audit event.
type EventType string

const (
	// Identity lifecycle
	EventIdentityLoaded   EventType = "IDENTITY_LOADED"
	EventIdentityReleased EventType = "IDENTITY_RELEASED"
	EventStoreImported    EventType = "STORE_IMPORTED"

	// Document signing
	EventDocumentSigned EventType = "DOCUMENT_SIGNED"

	// Timestamp authority exchange
	EventTSARequest EventType = "TSA_REQUEST"

	// Security events
	EventAuthFailed EventType = "AUTH_FAILED"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor represents who performed the action.
type Actor struct {
	Type string `json:"type"`           // "user", "service"
	ID   string `json:"id"`             // username or service identifier
	Host string `json:"host,omitempty"` // hostname where action occurred
}

// Object represents what was acted upon.
type Object struct {
	Type       string `json:"type"`                 // "identity", "document", "tsa"
	Serial     string `json:"serial,omitempty"`     // certificate serial number
	Subject    string `json:"subject,omitempty"`    // certificate subject DN
	Thumbprint string `json:"thumbprint,omitempty"` // certificate SHA-1 thumbprint
	Path       string `json:"path,omitempty"`       // document, container or URL
}

// Context provides additional details about the operation.
type Context struct {
	OperationID string `json:"operation_id,omitempty"`
	Source      string `json:"source,omitempty"`    // "store:<name>" or "container"
	Algorithm   string `json:"algorithm,omitempty"` // signature or hash algorithm
	Authority   string `json:"authority,omitempty"` // TSA that answered
	Stage       string `json:"stage,omitempty"`     // pipeline stage of a failure
	Reason      string `json:"reason,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Timestamped bool   `json:"timestamped,omitempty"`
}

// Event represents a single audit log entry.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"`
	Hash      string    `json:"hash"`
}

// NewEvent creates an event stamped with the current time and local user.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	if username == "" {
		username = "unknown"
	}

	return &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "user", ID: username, Host: hostname},
		Result:    result,
	}
}

// ResultOf maps a success flag to a Result.
func ResultOf(ok bool) Result {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// WithObject sets the object field.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context field.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Actor.Type == "" || e.Actor.ID == "" {
		return fmt.Errorf("actor type and id are required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event without its own hash, for chaining.
func (e *Event) CanonicalJSON() ([]byte, error) {
	c := *e
	c.Hash = ""
	type canonical struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(canonical{c.EventType, c.Timestamp, c.Actor, c.Object, c.Context, c.Result, c.HashPrev})
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
