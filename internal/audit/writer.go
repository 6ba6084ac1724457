package audit

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// Writer persists audit events.
//
// Implementations return an error when the event could not be made
// durable, and set HashPrev/Hash before writing.
type Writer interface {
	Write(event *Event) error
	Close() error

	// LastHash returns the hash of the last written event, or GenesisHash.
	LastHash() string
}

// Ensure Writer extends io.Closer for resource management.
var _ io.Closer = (Writer)(nil)

// NopWriter discards all events. Used when audit logging is disabled.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// OrNop returns w, or a NopWriter when w is nil.
func OrNop(w Writer) Writer {
	if w == nil {
		return NopWriter{}
	}
	return w
}

// MultiWriter writes to several writers. A write fails if any writer fails.
type MultiWriter struct {
	writers []Writer
}

var _ Writer = (*MultiWriter)(nil)

// NewMultiWriter creates a writer that writes to all provided writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(event *Event) error {
	for _, w := range m.writers {
		if err := w.Write(event); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiWriter) Close() error {
	var lastErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiWriter) LastHash() string {
	if len(m.writers) > 0 {
		return m.writers[0].LastHash()
	}
	return GenesisHash
}

// LogWriter mirrors events into the technical log. It keeps its own
// in-memory chain so it can sit behind a MultiWriter.
type LogWriter struct {
	mu       sync.Mutex
	log      *zap.Logger
	lastHash string
}

var _ Writer = (*LogWriter)(nil)

// NewLogWriter creates a writer that emits each event at info level.
func NewLogWriter(log *zap.Logger) *LogWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogWriter{log: log.Named("audit"), lastHash: GenesisHash}
}

func (w *LogWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.Hash == "" {
		if err := chain(event, w.lastHash); err != nil {
			return err
		}
	}
	w.lastHash = event.Hash

	w.log.Info("audit event",
		zap.String("event_type", string(event.EventType)),
		zap.String("result", string(event.Result)),
		zap.String("actor", event.Actor.ID),
		zap.String("object_type", event.Object.Type),
		zap.String("subject", event.Object.Subject),
		zap.String("path", event.Object.Path),
		zap.String("operation_id", event.Context.OperationID),
		zap.String("reason", event.Context.Reason),
		zap.String("hash", event.Hash),
	)
	return nil
}

func (w *LogWriter) Close() error {
	_ = w.log.Sync()
	return nil
}

func (w *LogWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}
