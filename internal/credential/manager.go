// Package credential resolves signing identities from credential stores
// and PKCS#12 containers, and owns their lifecycle.
package credential

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// SourceContainer is the Identity.Source of container-loaded identities.
const SourceContainer = "container"

// Manager holds at most one signing identity. Loading a new identity
// releases the previous one. A Manager is meant for a single operation;
// its methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	store    Store
	log      *zap.Logger
	audit    audit.Writer
	now      func() time.Time
	identity *Identity
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.Named("credential")
		}
	}
}

// WithAudit sets the audit writer.
func WithAudit(w audit.Writer) Option {
	return func(m *Manager) { m.audit = audit.OrNop(w) }
}

// WithClock overrides the clock used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager over store. store may be nil when only
// containers are used.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		log:   zap.NewNop(),
		audit: audit.NopWriter{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadFromStore resolves the store certificate whose SHA-1 thumbprint
// matches thumbprint (case and separators ignored) and acquires its key.
func (m *Manager) LoadFromStore(ctx context.Context, thumbprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupLocked()

	if m.store == nil {
		return m.failLoad("load", "", newError("load", ErrStoreUnavailable))
	}

	want := NormalizeThumbprint(thumbprint)
	if want == "" {
		return m.failLoad("load", m.store.Name(), newError("load", fmt.Errorf("%w: empty thumbprint", ErrNotFound)))
	}

	certs, err := m.store.Certificates(ctx)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return m.failLoad("load", m.store.Name(), newError("load", err))
	}

	var cert *x509.Certificate
	for _, c := range certs {
		if Thumbprint(c) == want {
			cert = c
			break
		}
	}
	if cert == nil {
		return m.failLoad("load", m.store.Name(), newError("load", fmt.Errorf("%w: thumbprint %s", ErrNotFound, want)))
	}

	key, err := m.store.AcquireKey(ctx, cert)
	if err != nil {
		if !errors.Is(err, ErrAcquireKeyFailed) && !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrAcquireKeyFailed, err)
		}
		return m.failLoad("load", m.store.Name(), newError("load", err))
	}

	var chain []*x509.Certificate
	if cp, ok := m.store.(ChainProvider); ok {
		chain, _ = cp.Chain(ctx, cert)
	}

	m.setLocked(&Identity{
		Certificate: cert,
		Chain:       chain,
		Key:         key,
		Source:      m.store.Name(),
	})
	return nil
}

// LoadFromContainer resolves the signing entry of a PKCS#12 file.
func (m *Manager) LoadFromContainer(path, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupLocked()

	c, err := ReadContainer(path, password)
	if err != nil {
		return m.failLoad("load container", path, newError("load container", err))
	}
	return m.adoptContainerLocked(c)
}

// LoadFromContainerData resolves the signing entry of an in-memory
// PKCS#12 container.
func (m *Manager) LoadFromContainerData(data []byte, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupLocked()

	c, err := DecodeContainer(data, password)
	if err != nil {
		return m.failLoad("load container", SourceContainer, newError("load container", err))
	}
	return m.adoptContainerLocked(c)
}

func (m *Manager) adoptContainerLocked(c *Container) error {
	signer, err := qcrypto.NewSoftwareSigner(c.PrivateKey)
	if err != nil {
		return m.failLoad("load container", SourceContainer, newError("load container", fmt.Errorf("%w: %v", ErrNoSigningKey, err)))
	}
	m.setLocked(&Identity{
		Certificate: c.Certificate,
		Chain:       c.Chain,
		Key:         NewKeyHandle(signer, KeySoftware, false, nil),
		Source:      SourceContainer,
	})
	return nil
}

func (m *Manager) setLocked(id *Identity) {
	m.identity = id

	if err := CheckSigningUsage(id.Certificate); err != nil {
		m.log.Warn("certificate may not be accepted for document signing",
			zap.String("subject", id.Certificate.Subject.String()),
			zap.Error(err))
	}

	m.log.Info("identity loaded",
		zap.String("subject", id.Certificate.Subject.String()),
		zap.String("thumbprint", Thumbprint(id.Certificate)),
		zap.String("source", id.Source),
		zap.String("key_kind", string(id.Key.Kind)))

	m.record(audit.EventIdentityLoaded, nil, id.Certificate, id.Source)
}

func (m *Manager) failLoad(op, source string, err error) error {
	m.log.Warn("identity not loaded", zap.String("op", op), zap.String("source", source), zap.Error(err))
	m.record(audit.EventIdentityLoaded, err, nil, source)
	return err
}

func (m *Manager) record(t audit.EventType, err error, cert *x509.Certificate, source string) {
	event := audit.NewEvent(t, audit.ResultOf(err == nil))
	obj := audit.Object{Type: "identity"}
	if cert != nil {
		obj.Subject = cert.Subject.String()
		obj.Serial = SerialHex(cert)
		obj.Thumbprint = Thumbprint(cert)
	}
	actx := audit.Context{Source: source}
	if err != nil {
		actx.Reason = err.Error()
	}
	if werr := m.audit.Write(event.WithObject(obj).WithContext(actx)); werr != nil {
		m.log.Error("audit write failed", zap.Error(werr))
	}
}

// Info returns the certificate info of the loaded identity, or a zero
// record with IsValid=false when none is loaded.
func (m *Manager) Info() CertificateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return NewCertificateInfo(nil, m.now())
	}
	return NewCertificateInfo(m.identity.Certificate, m.now())
}

// ListAvailable returns every store certificate whose private key can be
// acquired. Keys acquired for the check are released immediately.
func (m *Manager) ListAvailable(ctx context.Context) ([]CertificateInfo, error) {
	if m.store == nil {
		return nil, newError("list", ErrStoreUnavailable)
	}

	certs, err := m.store.Certificates(ctx)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, newError("list", err)
	}

	now := m.now()
	infos := make([]CertificateInfo, 0, len(certs))
	for _, cert := range certs {
		key, err := m.store.AcquireKey(ctx, cert)
		if err != nil {
			m.log.Debug("skipping certificate without usable key",
				zap.String("subject", cert.Subject.String()), zap.Error(err))
			continue
		}
		if err := key.Release(); err != nil {
			m.log.Debug("key release failed", zap.Error(err))
		}
		infos = append(infos, NewCertificateInfo(cert, now))
	}
	return infos, nil
}

// Validate reports whether an identity is loaded and the current time is
// within its certificate validity window. Revocation is not checked.
func (m *Manager) Validate() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil || m.identity.Certificate == nil {
		return false
	}
	return WithinValidity(m.identity.Certificate, m.now())
}

// Certificate returns the loaded certificate, or nil.
func (m *Manager) Certificate() *x509.Certificate {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return nil
	}
	return m.identity.Certificate
}

// Identity returns the loaded identity, or nil. The identity stays owned
// by the manager.
func (m *Manager) Identity() *Identity {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SignDigest signs a precomputed digest with the loaded key.
func (m *Manager) SignDigest(digest []byte, h crypto.Hash) ([]byte, error) {
	if m == nil {
		return nil, newError("sign", ErrNoIdentity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil || m.identity.Key == nil || m.identity.Key.Signer == nil {
		return nil, newError("sign", ErrNoIdentity)
	}
	sig, err := qcrypto.SignDigest(rand.Reader, m.identity.Key.Signer, digest, h)
	if err != nil {
		return nil, newError("sign", err)
	}
	return sig, nil
}

// Cleanup releases the loaded identity. It is safe to call on an empty
// manager and more than once.
func (m *Manager) Cleanup() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
}

// Close calls Cleanup.
func (m *Manager) Close() error {
	m.Cleanup()
	return nil
}

func (m *Manager) cleanupLocked() {
	id := m.identity
	if id == nil {
		return
	}
	m.identity = nil

	err := id.Key.Release()
	if err != nil {
		m.log.Warn("key release failed", zap.Error(err))
	}
	m.log.Debug("identity released", zap.String("subject", id.Certificate.Subject.String()))
	m.record(audit.EventIdentityReleased, err, id.Certificate, id.Source)
}
