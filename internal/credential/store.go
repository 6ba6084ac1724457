package credential

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Store is a source of certificates and their private keys.
type Store interface {
	// Name identifies the store in logs and audit events.
	Name() string

	// Certificates enumerates every certificate in the store.
	Certificates(ctx context.Context) ([]*x509.Certificate, error)

	// AcquireKey returns a handle on the private key of cert.
	AcquireKey(ctx context.Context, cert *x509.Certificate) (*KeyHandle, error)
}

// ChainProvider is implemented by stores that keep issuer certificates.
type ChainProvider interface {
	Chain(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error)
}

// Entry is the metadata record of one FileStore credential.
type Entry struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Thumbprint string    `json:"thumbprint"`
	NotAfter   time.Time `json:"not_after"`
	HasKey     bool      `json:"has_key"`
	Created    time.Time `json:"created"`
}

// FileStore is the per-user personal store on disk.
// Layout:
//
//	{basePath}/{thumbprint}/
//	    credential.meta.json     # Entry
//	    certificates.pem         # leaf first, then issuers
//	    private-keys.pem         # encrypted with the store passphrase
type FileStore struct {
	basePath   string
	passphrase []byte
	mu         sync.RWMutex
}

var (
	_ Store         = (*FileStore)(nil)
	_ ChainProvider = (*FileStore)(nil)
)

// NewFileStore creates a file store rooted at basePath. Keys are written
// and read with passphrase; an empty passphrase stores keys unencrypted.
func NewFileStore(basePath string, passphrase []byte) *FileStore {
	return &FileStore{basePath: basePath, passphrase: passphrase}
}

// Name returns "file:" followed by the store directory.
func (s *FileStore) Name() string {
	return "file:" + s.basePath
}

// BasePath returns the store directory.
func (s *FileStore) BasePath() string {
	return s.basePath
}

func (s *FileStore) entryPath(id string) string {
	return filepath.Join(s.basePath, id)
}

func (s *FileStore) metadataPath(id string) string {
	return filepath.Join(s.entryPath(id), "credential.meta.json")
}

func (s *FileStore) certsPath(id string) string {
	return filepath.Join(s.entryPath(id), "certificates.pem")
}

func (s *FileStore) keysPath(id string) string {
	return filepath.Join(s.entryPath(id), "private-keys.pem")
}

// Certificates returns the leaf certificate of every entry, ordered by
// entry ID. A store directory that does not exist yet is empty.
func (s *FileStore) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.idsUnlocked()
	if err != nil {
		return nil, err
	}

	certs := make([]*x509.Certificate, 0, len(ids))
	for _, id := range ids {
		chain, err := s.loadCertsUnlocked(id)
		if err != nil || len(chain) == 0 {
			continue
		}
		certs = append(certs, chain[0])
	}
	return certs, nil
}

// Chain returns the issuer certificates stored alongside cert.
func (s *FileStore) Chain(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	certs, err := s.loadCertsUnlocked(Thumbprint(cert))
	if err != nil {
		return nil, err
	}
	if len(certs) <= 1 {
		return nil, nil
	}
	return certs[1:], nil
}

// AcquireKey loads the software key stored with cert.
func (s *FileStore) AcquireKey(ctx context.Context, cert *x509.Certificate) (*KeyHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.keysPath(Thumbprint(cert)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no private key stored for %s", ErrAcquireKeyFailed, cert.Subject)
		}
		return nil, fmt.Errorf("%w: %v", ErrAcquireKeyFailed, err)
	}

	signer, err := DecodePrivateKeyPEM(data, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquireKeyFailed, err)
	}
	if !qcrypto.PublicKeysEqual(signer.Public(), cert.PublicKey) {
		return nil, fmt.Errorf("%w: stored key does not match certificate", ErrAcquireKeyFailed)
	}

	return NewKeyHandle(signer, KeySoftware, false, nil), nil
}

// Save stores cert, its issuers and, when priv is not nil, its private key.
// It returns the entry ID (the certificate thumbprint).
func (s *FileStore) Save(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, priv crypto.PrivateKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := Thumbprint(cert)
	dir := s.entryPath(id)
	_, statErr := os.Stat(dir)
	created := errors.Is(statErr, fs.ErrNotExist)

	var keyPEM []byte
	if priv != nil {
		var err error
		keyPEM, err = EncodePrivateKeyPEM(priv, s.passphrase)
		if err != nil {
			return "", fmt.Errorf("failed to encode private key: %w", err)
		}
	}

	entry := Entry{
		ID:         id,
		Subject:    cert.Subject.String(),
		Thumbprint: id,
		NotAfter:   cert.NotAfter.UTC(),
		HasKey:     priv != nil,
		Created:    time.Now().UTC(),
	}
	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential metadata: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create credential directory: %w", err)
	}

	// Metadata is written last so an entry never claims files it lacks.
	all := append([]*x509.Certificate{cert}, chain...)
	files := []entryFile{
		{s.certsPath(id), EncodeCertificatesPEM(all), 0644, "certificates"},
	}
	if keyPEM != nil {
		files = append(files, entryFile{s.keysPath(id), keyPEM, 0600, "private key"})
	}
	files = append(files, entryFile{s.metadataPath(id), meta, 0644, "credential metadata"})

	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			s.rollbackUnlocked(id, created)
			return "", fmt.Errorf("failed to write %s: %w", f.what, err)
		}
	}

	return id, nil
}

// entryFile is one file written by Save.
type entryFile struct {
	path string
	data []byte
	perm os.FileMode
	what string
}

// rollbackUnlocked undoes a failed Save. A new entry is removed; an
// existing one loses its metadata so it is no longer listed.
func (s *FileStore) rollbackUnlocked(id string, created bool) {
	if created {
		_ = os.RemoveAll(s.entryPath(id))
		return
	}
	_ = os.Remove(s.metadataPath(id))
}

// Import adds the signing entry of a PKCS#12 container to the store.
func (s *FileStore) Import(ctx context.Context, data []byte, password string) (string, error) {
	c, err := DecodeContainer(data, password)
	if err != nil {
		return "", err
	}
	return s.Save(ctx, c.Certificate, c.Chain, c.PrivateKey)
}

// Entries returns the metadata of every entry, ordered by ID.
func (s *FileStore) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.idsUnlocked()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		data, err := os.ReadFile(s.metadataPath(id))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete removes an entry.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id = NormalizeThumbprint(id)
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if _, err := os.Stat(s.entryPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return os.RemoveAll(s.entryPath(id))
}

func (s *FileStore) idsUnlocked() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) loadCertsUnlocked(id string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(s.certsPath(id))
	if err != nil {
		return nil, err
	}
	return DecodeCertificatesPEM(data)
}
