// Package config loads the qsign YAML configuration. Secrets are never
// stored in the file: *_env keys name the environment variables that
// hold them.
package config

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qsign/internal/credential"
	qcrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/logging"
	"github.com/remiblancher/qsign/internal/tsa"
)

// Store types.
const (
	StoreFile   = "file"
	StorePKCS11 = "pkcs11"
)

// Config is the root configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Timestamp TimestampConfig `yaml:"timestamp"`
	Signature SignatureConfig `yaml:"signature"`
	Log       logging.Config  `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
	Server    ServerConfig    `yaml:"server"`
}

// StoreConfig selects the credential store.
type StoreConfig struct {
	// Type is "file" (default) or "pkcs11".
	Type string `yaml:"type"`

	// Path is the file store directory.
	Path string `yaml:"path"`

	// PassphraseEnv names the variable holding the file store passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`

	// PKCS11 describes the token for the pkcs11 store.
	PKCS11 *qcrypto.TokenConfig `yaml:"pkcs11,omitempty"`

	// PKCS11File points to a separate token YAML file, relative to the
	// config file. It is an alternative to PKCS11.
	PKCS11File string `yaml:"pkcs11_file,omitempty"`
}

// AuthorityConfig is one configured timestamp authority.
type AuthorityConfig struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	RequiresAuth bool   `yaml:"requires_auth"`
	Username     string `yaml:"username"`
	PasswordEnv  string `yaml:"password_env"`
}

// TimestampConfig configures the timestamp client. A non-empty
// Authorities list replaces the built-in list wholesale, in order.
type TimestampConfig struct {
	Encoding       string        `yaml:"encoding"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Attempts       int           `yaml:"attempts"`
	Backoff        time.Duration `yaml:"backoff"`

	// Budget bounds the whole timestamp stage of one signing run. Zero
	// leaves only the per-attempt bounds.
	Budget time.Duration `yaml:"budget"`

	UserAgent   string            `yaml:"user_agent"`
	Authorities []AuthorityConfig `yaml:"authorities"`
}

// SignatureConfig holds signing defaults.
type SignatureConfig struct {
	Hash        string `yaml:"hash"`
	Reason      string `yaml:"reason"`
	Location    string `yaml:"location"`
	ContactInfo string `yaml:"contact_info"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// File is the JSONL audit log. Empty disables file auditing.
	File string `yaml:"file"`
}

// ServerConfig configures the HTTP bridge.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxUploadMB   int           `yaml:"max_upload_mb"`
	ProbeCacheTTL time.Duration `yaml:"probe_cache_ttl"`

	// JWTSecretEnv names the variable holding the HS256 secret. When the
	// variable is empty, authentication is disabled.
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	def := tsa.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Type:          StoreFile,
			Path:          filepath.Join(home, ".qsign", "store"),
			PassphraseEnv: "QSIGN_STORE_PASSPHRASE",
		},
		Timestamp: TimestampConfig{
			Encoding:       string(def.Encoding),
			AttemptTimeout: def.AttemptTimeout,
			Attempts:       def.Attempts,
			Backoff:        def.Backoff,
			Budget:         60 * time.Second,
			UserAgent:      def.UserAgent,
		},
		Signature: SignatureConfig{
			Hash:   qcrypto.HashSHA256,
			Reason: "Document signed digitally",
		},
		Log: logging.Config{Env: "dev", Level: "info"},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8484",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  90 * time.Second,
			MaxUploadMB:   50,
			ProbeCacheTTL: 5 * time.Minute,
			JWTSecretEnv:  "QSIGN_JWT_SECRET",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if file := cfg.Store.PKCS11File; file != "" {
		if cfg.Store.PKCS11 != nil {
			return nil, fmt.Errorf("invalid config: store.pkcs11 and store.pkcs11_file are exclusive")
		}
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		token, err := qcrypto.LoadTokenConfig(file)
		if err != nil {
			return nil, fmt.Errorf("store.pkcs11_file: %w", err)
		}
		cfg.Store.PKCS11 = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file store")
		}
	case StorePKCS11:
		if c.Store.PKCS11 == nil {
			return fmt.Errorf("store.pkcs11 is required for the pkcs11 store")
		}
		if err := c.Store.PKCS11.Validate(); err != nil {
			return fmt.Errorf("store.pkcs11: %w", err)
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	if _, err := c.HashAlgorithm(); err != nil {
		return fmt.Errorf("signature.hash: %w", err)
	}

	switch tsa.Encoding(c.Timestamp.Encoding) {
	case tsa.EncodingRFC3161, tsa.EncodingLegacy, "":
	default:
		return fmt.Errorf("unknown timestamp.encoding %q", c.Timestamp.Encoding)
	}
	for i, a := range c.Timestamp.Authorities {
		if a.Name == "" || a.URL == "" {
			return fmt.Errorf("timestamp.authorities[%d]: name and url are required", i)
		}
	}

	if c.Timestamp.Budget < 0 {
		return fmt.Errorf("timestamp.budget must not be negative")
	}
	if wt := c.Server.WriteTimeout; wt > 0 {
		if bound := c.TimestampBound(); bound >= wt {
			return fmt.Errorf("timestamp stage may take %s, which is not below server.write_timeout %s: lower timestamp.budget", bound, wt)
		}
	}

	if c.Server.MaxUploadMB < 0 {
		return fmt.Errorf("server.max_upload_mb must not be negative")
	}
	return nil
}

// TimestampBound returns the longest the timestamp stage can take: the
// client's worst case, capped by timestamp.budget.
func (c *Config) TimestampBound() time.Duration {
	bound := c.TSAConfig().WorstCase()
	if b := c.Timestamp.Budget; b > 0 && b < bound {
		return b
	}
	return bound
}

// HashAlgorithm returns the configured signature hash.
func (c *Config) HashAlgorithm() (crypto.Hash, error) {
	return qcrypto.HashFromName(c.Signature.Hash)
}

// Authorities returns the configured authority list with passwords read
// from the environment, or the built-in list when none is configured.
func (c *Config) Authorities() []tsa.Authority {
	if len(c.Timestamp.Authorities) == 0 {
		return tsa.DefaultAuthorities()
	}
	out := make([]tsa.Authority, 0, len(c.Timestamp.Authorities))
	for _, a := range c.Timestamp.Authorities {
		auth := tsa.Authority{
			Name:         a.Name,
			URL:          a.URL,
			RequiresAuth: a.RequiresAuth,
			Username:     a.Username,
		}
		if a.PasswordEnv != "" {
			auth.Password = os.Getenv(a.PasswordEnv)
		}
		out = append(out, auth)
	}
	return out
}

// TSAConfig converts the timestamp section for tsa.NewClient.
func (c *Config) TSAConfig() tsa.Config {
	return tsa.Config{
		Authorities:    c.Authorities(),
		AttemptTimeout: c.Timestamp.AttemptTimeout,
		Attempts:       c.Timestamp.Attempts,
		Backoff:        c.Timestamp.Backoff,
		Encoding:       tsa.Encoding(c.Timestamp.Encoding),
		UserAgent:      c.Timestamp.UserAgent,
	}
}

// StorePassphrase reads the file store passphrase from the environment.
func (c *Config) StorePassphrase() []byte {
	if c.Store.PassphraseEnv == "" {
		return nil
	}
	return qcrypto.ResolvePassphrase("env:" + c.Store.PassphraseEnv)
}

// FileStore opens the configured file store.
func (c *Config) FileStore() (*credential.FileStore, error) {
	if c.Store.Type != StoreFile {
		return nil, fmt.Errorf("store type is %q, not %q", c.Store.Type, StoreFile)
	}
	return credential.NewFileStore(c.Store.Path, c.StorePassphrase()), nil
}

// OpenStore opens the configured credential store.
func (c *Config) OpenStore() (credential.Store, error) {
	switch c.Store.Type {
	case StorePKCS11:
		return credential.NewPKCS11Store(c.Store.PKCS11)
	default:
		return c.FileStore()
	}
}

// JWTSecret returns the bridge token secret, or nil when auth is off.
func (c *Config) JWTSecret() []byte {
	if c.Server.JWTSecretEnv == "" {
		return nil
	}
	v := os.Getenv(c.Server.JWTSecretEnv)
	if v == "" {
		return nil
	}
	return []byte(v)
}
