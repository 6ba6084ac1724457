package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Creation(t *testing.T) {
	event := NewEvent(EventDocumentSigned, ResultSuccess)

	if event.EventType != EventDocumentSigned {
		t.Errorf("expected EventType=%s, got %s", EventDocumentSigned, event.EventType)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected Result=%s, got %s", ResultSuccess, event.Result)
	}
	if event.Timestamp == "" {
		t.Error("Timestamp should not be empty")
	}
	if event.Actor.Type != "user" || event.Actor.ID == "" {
		t.Errorf("unexpected actor %+v", event.Actor)
	}
}

func TestU_ResultOf(t *testing.T) {
	if ResultOf(true) != ResultSuccess || ResultOf(false) != ResultFailure {
		t.Error("ResultOf() mapping is wrong")
	}
}

func TestU_Event_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{"[Unit] Validate: valid event", NewEvent(EventIdentityLoaded, ResultSuccess), false},
		{"[Unit] Validate: missing event_type", &Event{
			Timestamp: "2026-01-15T10:00:00Z",
			Actor:     Actor{Type: "user", ID: "alice"},
			Result:    ResultSuccess,
		}, true},
		{"[Unit] Validate: missing result", &Event{
			EventType: EventIdentityLoaded,
			Timestamp: "2026-01-15T10:00:00Z",
			Actor:     Actor{Type: "user", ID: "alice"},
		}, true},
		{"[Unit] Validate: missing actor", &Event{
			EventType: EventIdentityLoaded,
			Timestamp: "2026-01-15T10:00:00Z",
			Result:    ResultSuccess,
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestU_Event_CanonicalJSON(t *testing.T) {
	event := NewEvent(EventDocumentSigned, ResultSuccess).
		WithObject(Object{Type: "document", Path: "/tmp/a.pdf"})
	event.HashPrev = GenesisHash
	event.Hash = "sha256:something"

	canonical, err := event.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if strings.Contains(string(canonical), `"hash":`) {
		t.Error("CanonicalJSON should not contain hash field")
	}

	var parsed map[string]any
	if err := json.Unmarshal(canonical, &parsed); err != nil {
		t.Errorf("CanonicalJSON produced invalid JSON: %v", err)
	}
}

// =============================================================================
// FileWriter Tests
// =============================================================================

func TestU_FileWriter_ChainAndResume(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	w, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}

	e1 := NewEvent(EventIdentityLoaded, ResultSuccess).WithObject(Object{Type: "identity", Subject: "CN=Alice"})
	if err := w.Write(e1); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if e1.HashPrev != GenesisHash {
		t.Errorf("first HashPrev = %s, want %s", e1.HashPrev, GenesisHash)
	}

	e2 := NewEvent(EventDocumentSigned, ResultSuccess)
	if err := w.Write(e2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if e2.HashPrev != e1.Hash {
		t.Errorf("second HashPrev = %s, want %s", e2.HashPrev, e1.Hash)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := w.Write(NewEvent(EventDocumentSigned, ResultSuccess)); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close() = %v, want ErrWriterClosed", err)
	}

	// Reopen: chain continues from the last event on disk.
	w2, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter(reopen) error = %v", err)
	}
	defer func() { _ = w2.Close() }()
	if w2.LastHash() != e2.Hash {
		t.Errorf("LastHash() = %s, want %s", w2.LastHash(), e2.Hash)
	}
	e3 := NewEvent(EventIdentityReleased, ResultSuccess)
	if err := w2.Write(e3); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	n, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if n != 3 {
		t.Errorf("VerifyChain() = %d events, want 3", n)
	}
}

func TestU_FileWriter_InvalidEvent(t *testing.T) {
	w, err := NewFileWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Write(&Event{}); err == nil {
		t.Error("Write() should reject an invalid event")
	}
	if w.LastHash() != GenesisHash {
		t.Error("failed write must not advance the chain")
	}
}

func TestU_FileWriter_EmptyPath(t *testing.T) {
	if _, err := NewFileWriter(""); err == nil {
		t.Error("NewFileWriter(\"\") should fail")
	}
}

func TestU_FileWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Write(NewEvent(EventTSARequest, ResultSuccess))
		}()
	}
	wg.Wait()
	_ = w.Close()

	n, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if n != 20 {
		t.Errorf("VerifyChain() = %d, want 20", n)
	}
}

func TestU_VerifyChain_Tampering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	w, _ := NewFileWriter(logPath)
	_ = w.Write(NewEvent(EventDocumentSigned, ResultSuccess).WithObject(Object{Type: "document", Path: "a.pdf"}))
	_ = w.Write(NewEvent(EventDocumentSigned, ResultSuccess).WithObject(Object{Type: "document", Path: "b.pdf"}))
	_ = w.Close()

	data, _ := os.ReadFile(logPath)
	tampered := strings.Replace(string(data), "a.pdf", "z.pdf", 1)
	if err := os.WriteFile(logPath, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	n, err := VerifyChain(logPath)
	if err == nil {
		t.Fatal("VerifyChain() should detect tampering")
	}
	if n != 0 {
		t.Errorf("valid events before tamper = %d, want 0", n)
	}
}

func TestU_VerifyChain_EmptyAndMissing(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.jsonl")
	_ = os.WriteFile(empty, nil, 0600)
	if n, err := VerifyChain(empty); err != nil || n != 0 {
		t.Errorf("VerifyChain(empty) = %d, %v", n, err)
	}
	if _, err := VerifyChain(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("VerifyChain(missing) should fail")
	}
}

// =============================================================================
// Writer composition Tests
// =============================================================================

type failingWriter struct{ NopWriter }

func (failingWriter) Write(*Event) error { return errors.New("disk full") }

func TestU_MultiWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	lw := NewLogWriter(zap.New(core))

	m := NewMultiWriter(lw, NopWriter{})
	if err := m.Write(NewEvent(EventIdentityLoaded, ResultSuccess)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if logs.Len() != 1 {
		t.Errorf("log entries = %d, want 1", logs.Len())
	}
	if m.LastHash() == GenesisHash {
		t.Error("LastHash() should advance after a write")
	}

	failing := NewMultiWriter(NopWriter{}, failingWriter{})
	if err := failing.Write(NewEvent(EventIdentityLoaded, ResultSuccess)); err == nil {
		t.Error("MultiWriter should fail when any writer fails")
	}
	if NewMultiWriter().LastHash() != GenesisHash {
		t.Error("empty MultiWriter LastHash() should be genesis")
	}
}

func TestU_OrNop(t *testing.T) {
	if _, ok := OrNop(nil).(NopWriter); !ok {
		t.Error("OrNop(nil) should return NopWriter")
	}
	lw := NewLogWriter(nil)
	if OrNop(lw) != Writer(lw) {
		t.Error("OrNop(w) should return w")
	}
}
