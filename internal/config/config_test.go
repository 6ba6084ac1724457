package config

import (
	"crypto"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remiblancher/qsign/internal/credential"
	"github.com/remiblancher/qsign/internal/tsa"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qsign.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Defaults
// =============================================================================

func TestU_Default(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Store.Type != StoreFile {
		t.Errorf("Store.Type = %q", cfg.Store.Type)
	}
	if cfg.Timestamp.AttemptTimeout != 10*time.Second || cfg.Timestamp.Attempts != 2 {
		t.Errorf("timestamp defaults = %+v", cfg.Timestamp)
	}
	if tsa.Encoding(cfg.Timestamp.Encoding) != tsa.EncodingRFC3161 {
		t.Errorf("Encoding = %q", cfg.Timestamp.Encoding)
	}

	got := cfg.Authorities()
	want := tsa.DefaultAuthorities()
	if len(got) != len(want) {
		t.Fatalf("Authorities() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].URL != want[i].URL {
			t.Errorf("Authorities()[%d] = %s, want %s", i, got[i].URL, want[i].URL)
		}
	}

	h, err := cfg.HashAlgorithm()
	if err != nil || h != crypto.SHA256 {
		t.Errorf("HashAlgorithm() = %v, %v", h, err)
	}
}

func TestU_Load_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Addr != Default().Server.Addr {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
}

// =============================================================================
// Load
// =============================================================================

func TestU_Load_OverridesAuthoritiesInOrder(t *testing.T) {
	t.Setenv("QSIGN_TEST_TSA_PASSWORD", "s3cret")
	path := writeConfig(t, `
store:
  type: file
  path: /var/lib/qsign
timestamp:
  encoding: legacy
  attempt_timeout: 3s
  attempts: 1
  backoff: 250ms
  authorities:
    - name: internal
      url: https://tsa.internal.example/tsr
      requires_auth: true
      username: signer
      password_env: QSIGN_TEST_TSA_PASSWORD
    - name: fallback
      url: http://tsa.example.org
signature:
  hash: sha384
  reason: Approved
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tc := cfg.TSAConfig()
	if tc.Encoding != tsa.EncodingLegacy {
		t.Errorf("Encoding = %q", tc.Encoding)
	}
	if tc.AttemptTimeout != 3*time.Second || tc.Attempts != 1 || tc.Backoff != 250*time.Millisecond {
		t.Errorf("TSAConfig() = %+v", tc)
	}
	if len(tc.Authorities) != 2 {
		t.Fatalf("authorities = %d, want 2 (list replaces defaults)", len(tc.Authorities))
	}
	first := tc.Authorities[0]
	if first.Name != "internal" || !first.RequiresAuth || first.Password != "s3cret" {
		t.Errorf("first authority = %+v", first)
	}
	if tc.Authorities[1].Name != "fallback" {
		t.Errorf("second authority = %s", tc.Authorities[1].Name)
	}

	h, _ := cfg.HashAlgorithm()
	if h != crypto.SHA384 {
		t.Errorf("HashAlgorithm() = %v", h)
	}
	if cfg.Signature.Reason != "Approved" || cfg.Log.Level != "debug" {
		t.Errorf("signature/log not loaded: %+v %+v", cfg.Signature, cfg.Log)
	}
	// untouched sections keep their defaults
	if cfg.Server.MaxUploadMB != 50 {
		t.Errorf("Server.MaxUploadMB = %d", cfg.Server.MaxUploadMB)
	}
}

func TestU_Load_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"[Unit] Load: unknown field", "store:\n  kind: file\n", "failed to parse"},
		{"[Unit] Load: bad store type", "store:\n  type: cloud\n", "unknown store.type"},
		{"[Unit] Load: pkcs11 without token", "store:\n  type: pkcs11\n", "store.pkcs11 is required"},
		{"[Unit] Load: pkcs11 without pin", "store:\n  type: pkcs11\n  pkcs11:\n    lib: /usr/lib/softhsm.so\n", "pin_env"},
		{"[Unit] Load: bad hash", "signature:\n  hash: md5\n", "signature.hash"},
		{"[Unit] Load: bad encoding", "timestamp:\n  encoding: cms\n", "timestamp.encoding"},
		{"[Unit] Load: authority without url", "timestamp:\n  authorities:\n    - name: x\n", "authorities[0]"},
		{"[Unit] Load: bad duration", "timestamp:\n  attempt_timeout: soon\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestU_Load_TimestampBound(t *testing.T) {
	cfg := Default()
	if got := cfg.TSAConfig().WorstCase(); got != 105*time.Second {
		t.Errorf("default WorstCase() = %s, want 1m45s", got)
	}
	if got := cfg.TimestampBound(); got != cfg.Timestamp.Budget || got >= cfg.Server.WriteTimeout {
		t.Errorf("TimestampBound() = %s, budget %s, write timeout %s", got, cfg.Timestamp.Budget, cfg.Server.WriteTimeout)
	}

	tests := []struct {
		name string
		body string
		want string
	}{
		{"[Unit] Load: budget above write timeout", "timestamp:\n  budget: 2m\n", "server.write_timeout"},
		{"[Unit] Load: no budget and slow authorities", "timestamp:\n  budget: 0s\n", "server.write_timeout"},
		{"[Unit] Load: short write timeout", "server:\n  write_timeout: 30s\n", "server.write_timeout"},
		{"[Unit] Load: negative budget", "timestamp:\n  budget: -1s\n", "timestamp.budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}

	// A short client worst case needs no budget.
	cfg, err := Load(writeConfig(t, "timestamp:\n  budget: 0s\n  attempt_timeout: 5s\n  attempts: 1\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.TimestampBound(); got != 25*time.Second {
		t.Errorf("TimestampBound() = %s, want 25s", got)
	}
}

func TestU_Load_PKCS11File(t *testing.T) {
	dir := t.TempDir()
	token := "lib: /usr/lib/softhsm/libsofthsm2.so\ntoken: signing\npin_env: QSIGN_TEST_PIN\n"
	if err := os.WriteFile(filepath.Join(dir, "token.yaml"), []byte(token), 0600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "qsign.yaml")
	if err := os.WriteFile(path, []byte("store:\n  type: pkcs11\n  pkcs11_file: token.yaml\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.PKCS11 == nil || cfg.Store.PKCS11.Token != "signing" || cfg.Store.PKCS11.PinEnv != "QSIGN_TEST_PIN" {
		t.Errorf("Store.PKCS11 = %+v", cfg.Store.PKCS11)
	}

	both := "store:\n  type: pkcs11\n  pkcs11_file: token.yaml\n  pkcs11:\n    lib: /x.so\n    pin_env: P\n"
	if err := os.WriteFile(path, []byte(both), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "exclusive") {
		t.Errorf("Load() error = %v, want exclusive", err)
	}

	if err := os.WriteFile(path, []byte("store:\n  type: pkcs11\n  pkcs11_file: absent.yaml\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "store.pkcs11_file") {
		t.Errorf("Load() error = %v, want store.pkcs11_file", err)
	}
}

func TestU_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}

// =============================================================================
// Stores and secrets
// =============================================================================

func TestU_OpenStore_File(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QSIGN_STORE_PASSPHRASE", "pw")
	cfg := Default()
	cfg.Store.Path = dir

	store, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	fs, ok := store.(*credential.FileStore)
	if !ok {
		t.Fatalf("OpenStore() = %T, want *credential.FileStore", store)
	}
	if fs.BasePath() != dir {
		t.Errorf("BasePath() = %q", fs.BasePath())
	}
	if string(cfg.StorePassphrase()) != "pw" {
		t.Errorf("StorePassphrase() = %q", cfg.StorePassphrase())
	}
}

func TestU_FileStore_WrongType(t *testing.T) {
	cfg := Default()
	cfg.Store.Type = StorePKCS11
	if _, err := cfg.FileStore(); err == nil {
		t.Error("FileStore() should fail for a pkcs11 store")
	}
}

func TestU_JWTSecret(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.Server.JWTSecretEnv, "")
	if cfg.JWTSecret() != nil {
		t.Error("JWTSecret() should be nil when the variable is empty")
	}
	t.Setenv(cfg.Server.JWTSecretEnv, "hmac-key")
	if string(cfg.JWTSecret()) != "hmac-key" {
		t.Errorf("JWTSecret() = %q", cfg.JWTSecret())
	}
	cfg.Server.JWTSecretEnv = ""
	if cfg.JWTSecret() != nil {
		t.Error("JWTSecret() should be nil without jwt_secret_env")
	}
}
