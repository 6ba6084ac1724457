package credential

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/remiblancher/qsign/internal/audit"
	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// =============================================================================
// Fixtures
// =============================================================================

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type certOpts struct {
	cn        string
	notBefore time.Time
	notAfter  time.Time
	keyUsage  x509.KeyUsage
	extUsage  []x509.ExtKeyUsage
	serial    int64
}

func newTestCert(t *testing.T, key crypto.Signer, o certOpts) *x509.Certificate {
	t.Helper()
	if o.cn == "" {
		o.cn = "Test Signer"
	}
	if o.notBefore.IsZero() {
		o.notBefore = testEpoch.AddDate(0, -1, 0)
	}
	if o.notAfter.IsZero() {
		o.notAfter = testEpoch.AddDate(1, 0, 0)
	}
	if o.serial == 0 {
		o.serial = 0x1234
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(o.serial),
		Subject:      pkix.Name{CommonName: o.cn, Organization: []string{"QSign Test"}},
		NotBefore:    o.notBefore,
		NotAfter:     o.notAfter,
		KeyUsage:     o.keyUsage,
		ExtKeyUsage:  o.extUsage,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	return cert
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func fixedClock() time.Time { return testEpoch }

// mockStore is an in-memory Store. Keys are owned handles so releases can
// be counted.
type mockStore struct {
	certs    []*x509.Certificate
	keys     map[string]crypto.Signer
	listErr  error
	acquired atomic.Int32
	released atomic.Int32
}

func (s *mockStore) Name() string { return "mock" }

func (s *mockStore) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.certs, ctx.Err()
}

func (s *mockStore) AcquireKey(_ context.Context, cert *x509.Certificate) (*KeyHandle, error) {
	key, ok := s.keys[Thumbprint(cert)]
	if !ok {
		return nil, ErrAcquireKeyFailed
	}
	s.acquired.Add(1)
	return NewKeyHandle(key, KeyPKCS11, true, func() error {
		s.released.Add(1)
		return nil
	}), nil
}

func (s *mockStore) add(cert *x509.Certificate, key crypto.Signer) {
	s.certs = append(s.certs, cert)
	if s.keys == nil {
		s.keys = map[string]crypto.Signer{}
	}
	if key != nil {
		s.keys[Thumbprint(cert)] = key
	}
}

// =============================================================================
// Certificate Info Tests
// =============================================================================

func TestU_NewCertificateInfo(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{
		cn:       "Alice",
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		serial:   0x0a0b0c,
	})

	info := NewCertificateInfo(cert, testEpoch)
	if !strings.Contains(info.Subject, "CN=Alice") {
		t.Errorf("Subject = %q", info.Subject)
	}
	if info.SerialNumber != "0a0b0c" {
		t.Errorf("SerialNumber = %q, want 0a0b0c", info.SerialNumber)
	}
	if len(info.KeyUsage) != 2 || info.KeyUsage[0] != UsageDigitalSignature || info.KeyUsage[1] != UsageNonRepudiation {
		t.Errorf("KeyUsage = %v", info.KeyUsage)
	}
	if len(info.Thumbprint) != 40 {
		t.Errorf("Thumbprint length = %d, want 40", len(info.Thumbprint))
	}
	fp := sha256.Sum256(cert.Raw)
	if info.Fingerprint == "" || len(info.Fingerprint) != 2*len(fp) {
		t.Errorf("Fingerprint = %q", info.Fingerprint)
	}
	if !info.IsValid {
		t.Error("IsValid should be true inside the window")
	}
	if info.ValidFrom.Location() != time.UTC || info.ValidTo.Location() != time.UTC {
		t.Error("validity bounds should be UTC")
	}
	if info.KeyAlgorithm != "ecdsa-p256" || info.KeySize != 256 {
		t.Errorf("key = %s/%d", info.KeyAlgorithm, info.KeySize)
	}
}

func TestU_NewCertificateInfo_Nil(t *testing.T) {
	info := NewCertificateInfo(nil, testEpoch)
	if info.IsValid || info.Subject != "" {
		t.Errorf("nil certificate should give a zero record, got %+v", info)
	}
	if info.KeyUsage == nil {
		t.Error("KeyUsage should be an empty set, not nil")
	}
}

func TestU_KeyUsages_Absent(t *testing.T) {
	if got := KeyUsages(0); len(got) != 0 {
		t.Errorf("KeyUsages(0) = %v, want empty", got)
	}
	all := KeyUsages(x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
		x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment |
		x509.KeyUsageKeyAgreement | x509.KeyUsageCertSign | x509.KeyUsageCRLSign)
	if len(all) != 7 {
		t.Errorf("KeyUsages(all) = %v, want 7 entries", all)
	}
}

func TestU_WithinValidity_Bounds(t *testing.T) {
	key := newECKey(t)
	from := testEpoch.Add(-time.Hour)
	to := testEpoch.Add(time.Hour)
	cert := newTestCert(t, key, certOpts{notBefore: from, notAfter: to})

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"[Unit] WithinValidity: at notBefore", cert.NotBefore, true},
		{"[Unit] WithinValidity: at notAfter", cert.NotAfter, true},
		{"[Unit] WithinValidity: inside", testEpoch, true},
		{"[Unit] WithinValidity: one second early", cert.NotBefore.Add(-time.Second), false},
		{"[Unit] WithinValidity: one second late", cert.NotAfter.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinValidity(cert, tt.now); got != tt.want {
				t.Errorf("WithinValidity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestU_NormalizeThumbprint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ABCDEF0123", "abcdef0123"},
		{"ab:cd:ef", "abcdef"},
		{" AB cd-EF ", "abcdef"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeThumbprint(tt.in); got != tt.want {
			t.Errorf("NormalizeThumbprint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestU_CheckSigningUsage(t *testing.T) {
	key := newECKey(t)
	tests := []struct {
		name    string
		opts    certOpts
		wantErr bool
	}{
		{"[Unit] CheckSigningUsage: no extensions", certOpts{}, false},
		{"[Unit] CheckSigningUsage: digitalSignature", certOpts{keyUsage: x509.KeyUsageDigitalSignature}, false},
		{"[Unit] CheckSigningUsage: keyEncipherment only", certOpts{keyUsage: x509.KeyUsageKeyEncipherment}, true},
		{"[Unit] CheckSigningUsage: email protection", certOpts{extUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}}, false},
		{"[Unit] CheckSigningUsage: server auth only", certOpts{extUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSigningUsage(newTestCert(t, key, tt.opts))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckSigningUsage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if err := CheckSigningUsage(nil); err == nil {
		t.Error("CheckSigningUsage(nil) should fail")
	}
}

// =============================================================================
// Manager Store Tests
// =============================================================================

func TestU_Manager_LoadFromStore(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{cn: "Store Signer"})
	store := &mockStore{}
	store.add(cert, key)

	m := NewManager(store, WithClock(fixedClock))
	defer m.Cleanup()

	thumb := strings.ToUpper(Thumbprint(cert))
	if err := m.LoadFromStore(context.Background(), thumb); err != nil {
		t.Fatalf("LoadFromStore() error = %v", err)
	}
	if m.Certificate() == nil || !m.Certificate().Equal(cert) {
		t.Fatal("loaded certificate mismatch")
	}
	if !m.Validate() {
		t.Error("Validate() should be true")
	}
	if m.Identity().Source != "mock" {
		t.Errorf("Source = %q, want mock", m.Identity().Source)
	}

	digest := sha256.Sum256([]byte("hello"))
	sig, err := m.SignDigest(digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	if err := qcrypto.VerifyDigest(cert.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestU_Manager_LoadFromStore_Errors(t *testing.T) {
	key := newECKey(t)
	withKey := newTestCert(t, key, certOpts{cn: "With Key", serial: 1})
	noKey := newTestCert(t, newECKey(t), certOpts{cn: "No Key", serial: 2})
	store := &mockStore{}
	store.add(withKey, key)
	store.add(noKey, nil)

	tests := []struct {
		name    string
		store   Store
		thumb   string
		wantErr error
	}{
		{"[Unit] LoadFromStore: unknown thumbprint", store, strings.Repeat("00", 20), ErrNotFound},
		{"[Unit] LoadFromStore: empty thumbprint", store, "", ErrNotFound},
		{"[Unit] LoadFromStore: no private key", store, Thumbprint(noKey), ErrAcquireKeyFailed},
		{"[Unit] LoadFromStore: store failure", &mockStore{listErr: errors.New("access denied")}, Thumbprint(withKey), ErrStoreUnavailable},
		{"[Unit] LoadFromStore: nil store", nil, Thumbprint(withKey), ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.store)
			err := m.LoadFromStore(context.Background(), tt.thumb)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("LoadFromStore() error = %v, want %v", err, tt.wantErr)
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Errorf("error should be a *credential.Error, got %T", err)
			}
			if m.Certificate() != nil || m.Validate() {
				t.Error("failed load must leave the manager empty")
			}
		})
	}
}

func TestU_Manager_ReloadReleasesPrevious(t *testing.T) {
	k1, k2 := newECKey(t), newECKey(t)
	c1 := newTestCert(t, k1, certOpts{cn: "One", serial: 1})
	c2 := newTestCert(t, k2, certOpts{cn: "Two", serial: 2})
	store := &mockStore{}
	store.add(c1, k1)
	store.add(c2, k2)

	m := NewManager(store)
	if err := m.LoadFromStore(context.Background(), Thumbprint(c1)); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadFromStore(context.Background(), Thumbprint(c2)); err != nil {
		t.Fatal(err)
	}
	if got := store.released.Load(); got != 1 {
		t.Errorf("released after reload = %d, want 1", got)
	}
	if !m.Certificate().Equal(c2) {
		t.Error("second identity should be loaded")
	}
	m.Cleanup()
	if got := store.released.Load(); got != 2 {
		t.Errorf("released after cleanup = %d, want 2", got)
	}
}

func TestU_Manager_CleanupIdempotent(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{})
	store := &mockStore{}
	store.add(cert, key)

	m := NewManager(store)
	m.Cleanup() // empty manager

	if err := m.LoadFromStore(context.Background(), Thumbprint(cert)); err != nil {
		t.Fatal(err)
	}
	m.Cleanup()
	m.Cleanup()
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if got := store.released.Load(); got != 1 {
		t.Errorf("released = %d, want exactly 1", got)
	}
	if m.Certificate() != nil || m.Validate() {
		t.Error("manager should be empty after cleanup")
	}
	if info := m.Info(); info.IsValid || info.Subject != "" {
		t.Errorf("Info() after cleanup = %+v", info)
	}
	if _, err := m.SignDigest(make([]byte, 32), crypto.SHA256); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("SignDigest() without identity = %v, want ErrNoIdentity", err)
	}
}

func TestU_Manager_NilReceiver(t *testing.T) {
	var m *Manager
	if m.Certificate() != nil || m.Identity() != nil || m.Validate() {
		t.Error("nil manager should report no identity")
	}
	if _, err := m.SignDigest(make([]byte, 32), crypto.SHA256); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("SignDigest() error = %v, want ErrNoIdentity", err)
	}
	m.Cleanup()
}

func TestU_Manager_ValidityWindow(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{
		notBefore: testEpoch.Add(-24 * time.Hour),
		notAfter:  testEpoch.Add(24 * time.Hour),
	})
	store := &mockStore{}
	store.add(cert, key)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"[Unit] Validate: inside window", testEpoch, true},
		{"[Unit] Validate: before window", testEpoch.Add(-48 * time.Hour), false},
		{"[Unit] Validate: after window", testEpoch.Add(48 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			m := NewManager(store, WithClock(func() time.Time { return now }))
			defer m.Cleanup()
			if err := m.LoadFromStore(context.Background(), Thumbprint(cert)); err != nil {
				t.Fatal(err)
			}
			if got := m.Validate(); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
			if got := m.Info().IsValid; got != tt.want {
				t.Errorf("Info().IsValid = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestU_Manager_ListAvailable(t *testing.T) {
	k1 := newECKey(t)
	c1 := newTestCert(t, k1, certOpts{cn: "Usable", serial: 1})
	c2 := newTestCert(t, newECKey(t), certOpts{cn: "Keyless", serial: 2})
	store := &mockStore{}
	store.add(c1, k1)
	store.add(c2, nil)

	core, logs := observer.New(zap.DebugLevel)
	m := NewManager(store, WithLogger(zap.New(core)), WithClock(fixedClock))

	infos, err := m.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if len(infos) != 1 || !strings.Contains(infos[0].Subject, "Usable") {
		t.Fatalf("ListAvailable() = %+v", infos)
	}
	if store.acquired.Load() != store.released.Load() {
		t.Errorf("acquired %d handles, released %d", store.acquired.Load(), store.released.Load())
	}
	if logs.FilterMessage("skipping certificate without usable key").Len() != 1 {
		t.Error("keyless certificate should be logged at debug")
	}

	if _, err := NewManager(&mockStore{listErr: errors.New("boom")}).ListAvailable(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("ListAvailable() on broken store = %v, want ErrStoreUnavailable", err)
	}
}

func TestU_Manager_AuditEvents(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{})
	store := &mockStore{}
	store.add(cert, key)

	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := audit.NewFileWriter(logPath)
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(store, WithAudit(w))
	_ = m.LoadFromStore(context.Background(), "ffff")
	if err := m.LoadFromStore(context.Background(), Thumbprint(cert)); err != nil {
		t.Fatal(err)
	}
	m.Cleanup()
	_ = w.Close()

	n, err := audit.VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if n != 3 {
		t.Errorf("audit events = %d, want 3 (failed load, load, release)", n)
	}
	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), string(audit.EventIdentityReleased)) {
		t.Error("release event missing")
	}
}

// =============================================================================
// Manager Container Tests
// =============================================================================

func writeContainer(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.p12")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestU_Manager_LoadFromContainer(t *testing.T) {
	keys := map[string]crypto.Signer{
		"ecdsa": newECKey(t),
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keys["rsa"] = rsaKey

	for name, key := range keys {
		t.Run("[Unit] LoadFromContainer: "+name, func(t *testing.T) {
			cert := newTestCert(t, key, certOpts{cn: "Container " + name})
			pfx, err := pkcs12.Modern.Encode(key, cert, nil, "secret")
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			m := NewManager(nil, WithClock(fixedClock))
			defer m.Cleanup()
			if err := m.LoadFromContainer(writeContainer(t, pfx), "secret"); err != nil {
				t.Fatalf("LoadFromContainer() error = %v", err)
			}
			if !m.Certificate().Equal(cert) {
				t.Error("certificate mismatch")
			}
			if m.Identity().Key.Kind != KeySoftware || m.Identity().Key.Owned {
				t.Error("container keys are unowned software keys")
			}
			if m.Identity().Source != SourceContainer {
				t.Errorf("Source = %q", m.Identity().Source)
			}

			digest := sha256.Sum256([]byte("payload"))
			sig, err := m.SignDigest(digest[:], crypto.SHA256)
			if err != nil {
				t.Fatalf("SignDigest() error = %v", err)
			}
			if err := qcrypto.VerifyDigest(cert.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
				t.Errorf("signature does not verify: %v", err)
			}
		})
	}
}

func TestU_Manager_LoadFromContainer_Errors(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{})
	pfx, err := pkcs12.Modern.Encode(key, cert, nil, "secret")
	if err != nil {
		t.Fatal(err)
	}
	trust, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{cert}, "secret")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		password string
		wantErr  error
	}{
		{"[Unit] LoadFromContainer: wrong password", writeContainer(t, pfx), "wrong", ErrContainerUnreadable},
		{"[Unit] LoadFromContainer: missing file", filepath.Join(t.TempDir(), "missing.p12"), "secret", ErrContainerUnreadable},
		{"[Unit] LoadFromContainer: garbage", writeContainer(t, []byte("not a container")), "secret", ErrContainerUnreadable},
		{"[Unit] LoadFromContainer: certificates only", writeContainer(t, trust), "secret", ErrNoSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			err := m.LoadFromContainer(tt.path, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("LoadFromContainer() error = %v, want %v", err, tt.wantErr)
			}
			if m.Certificate() != nil {
				t.Error("failed load must leave the manager empty")
			}
		})
	}
}

func TestU_DecodeContainer_Chain(t *testing.T) {
	caKey := newECKey(t)
	ca := newTestCert(t, caKey, certOpts{cn: "Test CA", keyUsage: x509.KeyUsageCertSign, serial: 9})
	key := newECKey(t)
	leaf := newTestCert(t, key, certOpts{cn: "Leaf", serial: 10})

	pfx, err := pkcs12.Modern.Encode(key, leaf, []*x509.Certificate{ca}, "pw")
	if err != nil {
		t.Fatal(err)
	}
	c, err := DecodeContainer(pfx, "pw")
	if err != nil {
		t.Fatalf("DecodeContainer() error = %v", err)
	}
	if !c.Certificate.Equal(leaf) {
		t.Errorf("signing entry = %s, want Leaf", c.Certificate.Subject)
	}
	if len(c.Chain) != 1 || !c.Chain[0].Equal(ca) {
		t.Errorf("Chain = %d certificates", len(c.Chain))
	}

	// The certificate must not alias the caller's buffer.
	for i := range pfx {
		pfx[i] = 0
	}
	if !c.Certificate.Equal(leaf) {
		t.Error("certificate changed after input buffer was cleared")
	}
}

func TestU_Manager_LoadFromContainerData(t *testing.T) {
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{})
	pfx, err := pkcs12.Modern.Encode(key, cert, nil, "pw")
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(nil)
	defer m.Cleanup()
	if err := m.LoadFromContainerData(pfx, "pw"); err != nil {
		t.Fatalf("LoadFromContainerData() error = %v", err)
	}
	if !m.Certificate().Equal(cert) {
		t.Error("certificate mismatch")
	}
}

// =============================================================================
// FileStore Tests
// =============================================================================

func TestU_FileStore_SaveAndAcquire(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), []byte("store-pass"))

	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{cn: "File Signer"})
	caKey := newECKey(t)
	ca := newTestCert(t, caKey, certOpts{cn: "File CA", serial: 77})

	id, err := store.Save(ctx, cert, []*x509.Certificate{ca}, key)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if id != Thumbprint(cert) {
		t.Errorf("id = %s, want thumbprint", id)
	}

	keyPEM, err := os.ReadFile(filepath.Join(store.BasePath(), id, "private-keys.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(keyPEM), "ENCRYPTED") {
		t.Error("stored key should be encrypted")
	}

	certs, err := store.Certificates(ctx)
	if err != nil || len(certs) != 1 || !certs[0].Equal(cert) {
		t.Fatalf("Certificates() = %d, %v", len(certs), err)
	}
	chain, err := store.Chain(ctx, cert)
	if err != nil || len(chain) != 1 || !chain[0].Equal(ca) {
		t.Fatalf("Chain() = %d, %v", len(chain), err)
	}

	h, err := store.AcquireKey(ctx, cert)
	if err != nil {
		t.Fatalf("AcquireKey() error = %v", err)
	}
	if h.Owned || h.Kind != KeySoftware {
		t.Errorf("file store handle = %+v", h)
	}
	if !qcrypto.PublicKeysEqual(h.Signer.Public(), &key.PublicKey) {
		t.Error("acquired key does not match")
	}
	if err := h.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}

	wrong := NewFileStore(store.BasePath(), []byte("other"))
	if _, err := wrong.AcquireKey(ctx, cert); !errors.Is(err, ErrAcquireKeyFailed) {
		t.Errorf("AcquireKey() with wrong passphrase = %v, want ErrAcquireKeyFailed", err)
	}
}

func TestU_FileStore_CertificateWithoutKey(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), nil)
	cert := newTestCert(t, newECKey(t), certOpts{})

	if _, err := store.Save(ctx, cert, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AcquireKey(ctx, cert); !errors.Is(err, ErrAcquireKeyFailed) {
		t.Errorf("AcquireKey() = %v, want ErrAcquireKeyFailed", err)
	}
	entries, err := store.Entries(ctx)
	if err != nil || len(entries) != 1 || entries[0].HasKey {
		t.Errorf("Entries() = %+v, %v", entries, err)
	}
}

func TestU_FileStore_SaveEncodeFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), []byte("store-pass"))
	cert := newTestCert(t, newECKey(t), certOpts{})

	if _, err := store.Save(ctx, cert, nil, struct{}{}); err == nil {
		t.Fatal("Save() with an unsupported key should fail")
	}
	if _, err := os.Stat(filepath.Join(store.BasePath(), Thumbprint(cert))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("entry directory left behind: %v", err)
	}
	entries, err := store.Entries(ctx)
	if err != nil || len(entries) != 0 {
		t.Errorf("Entries() = %+v, %v", entries, err)
	}
}

func TestU_FileStore_SaveKeyWriteFailureNotListed(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), []byte("store-pass"))
	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{})

	// A directory where the key file belongs makes the key write fail.
	id := Thumbprint(cert)
	if err := os.MkdirAll(filepath.Join(store.BasePath(), id, "private-keys.pem"), 0700); err != nil {
		t.Fatal(err)
	}

	_, err := store.Save(ctx, cert, nil, key)
	if err == nil || !strings.Contains(err.Error(), "private key") {
		t.Fatalf("Save() error = %v, want private key write failure", err)
	}
	if _, err := os.Stat(filepath.Join(store.BasePath(), id, "credential.meta.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("metadata written despite missing key: %v", err)
	}
	entries, err := store.Entries(ctx)
	if err != nil || len(entries) != 0 {
		t.Errorf("Entries() = %+v, %v", entries, err)
	}
}

func TestU_FileStore_MissingDirectoryIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent"), nil)
	certs, err := store.Certificates(context.Background())
	if err != nil || len(certs) != 0 {
		t.Errorf("Certificates() = %d, %v", len(certs), err)
	}
}

func TestU_FileStore_ImportAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), []byte("pp"))

	key := newECKey(t)
	cert := newTestCert(t, key, certOpts{cn: "Imported"})
	pfx, err := pkcs12.Modern.Encode(key, cert, nil, "import-pw")
	if err != nil {
		t.Fatal(err)
	}

	id, err := store.Import(ctx, pfx, "import-pw")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	m := NewManager(store, WithClock(fixedClock))
	if err := m.LoadFromStore(ctx, id); err != nil {
		t.Fatalf("LoadFromStore() after import error = %v", err)
	}
	m.Cleanup()

	if err := store.Delete(ctx, strings.ToUpper(id)); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
	if _, err := store.Import(ctx, pfx, "bad"); !errors.Is(err, ErrContainerUnreadable) {
		t.Errorf("Import() with wrong password = %v, want ErrContainerUnreadable", err)
	}
}

func TestU_FileStore_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewFileStore(t.TempDir(), nil)
	if _, err := store.Certificates(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Certificates() = %v, want context.Canceled", err)
	}
}

// =============================================================================
// KeyHandle / PKCS11Store Tests
// =============================================================================

func TestU_KeyHandle_ReleaseOnce(t *testing.T) {
	var calls int
	h := NewKeyHandle(newECKey(t), KeyPKCS11, true, func() error {
		calls++
		return nil
	})
	_ = h.Release()
	_ = h.Release()
	if calls != 1 {
		t.Errorf("release calls = %d, want 1", calls)
	}
	if h.Signer != nil {
		t.Error("Signer should be cleared after release")
	}

	unowned := NewKeyHandle(newECKey(t), KeySoftware, false, func() error {
		t.Error("unowned handle must not call release")
		return nil
	})
	_ = unowned.Release()

	var nilHandle *KeyHandle
	if err := nilHandle.Release(); err != nil {
		t.Errorf("nil Release() = %v", err)
	}
}

func TestU_NewPKCS11Store_InvalidConfig(t *testing.T) {
	if _, err := NewPKCS11Store(nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("NewPKCS11Store(nil) = %v", err)
	}
	if _, err := NewPKCS11Store(&qcrypto.TokenConfig{Lib: "/x.so"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("NewPKCS11Store(no pin_env) = %v", err)
	}
}

func TestU_PKCS11Store_UnreachableModule(t *testing.T) {
	t.Setenv("QSIGN_TEST_PIN", "1234")
	store, err := NewPKCS11Store(&qcrypto.TokenConfig{
		Lib:    filepath.Join(t.TempDir(), "missing-module.so"),
		Token:  "nope",
		PinEnv: "QSIGN_TEST_PIN",
	})
	if err != nil {
		t.Fatalf("NewPKCS11Store() error = %v", err)
	}
	if store.Name() != "pkcs11:nope" {
		t.Errorf("Name() = %q", store.Name())
	}

	m := NewManager(store)
	if err := m.LoadFromStore(context.Background(), "abcd"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("LoadFromStore() = %v, want ErrStoreUnavailable", err)
	}
}
