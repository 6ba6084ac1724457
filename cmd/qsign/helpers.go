package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/remiblancher/qsign/internal/credential"
	"github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/tsa"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// formatStatus returns a colored status string.
func formatStatus(status string) string {
	switch status {
	case "valid", "available", "signed":
		return colorGreen + status + colorReset
	case "expired", "invalid", "unavailable", "failed":
		return colorRed + status + colorReset
	case "degraded", "no key":
		return colorYellow + status + colorReset
	default:
		return status
	}
}

func validityStatus(ok bool) string {
	if ok {
		return "valid"
	}
	return "expired"
}

// identityFlags selects a signing identity on the command line.
type identityFlags struct {
	thumbprint string
	container  string
	password   string
}

func (f *identityFlags) reset() {
	*f = identityFlags{}
}

// newManager builds a credential manager over the configured store. The
// store is opened only when a thumbprint is given so container signing
// works without one.
func newManager(withStore bool) (*credential.Manager, error) {
	var store credential.Store
	if withStore {
		st, err := app.cfg.OpenStore()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", credential.ErrStoreUnavailable, err)
		}
		store = st
	}
	return credential.NewManager(store,
		credential.WithLogger(app.log),
		credential.WithAudit(app.audit)), nil
}

// loadIdentity resolves the identity selected by f. The caller must
// Cleanup the returned manager.
func loadIdentity(ctx context.Context, f *identityFlags) (*credential.Manager, error) {
	if (f.thumbprint == "") == (f.container == "") {
		return nil, fmt.Errorf("exactly one of --thumbprint and --container is required")
	}

	m, err := newManager(f.thumbprint != "")
	if err != nil {
		return nil, err
	}
	if f.thumbprint != "" {
		err = m.LoadFromStore(ctx, f.thumbprint)
	} else {
		err = m.LoadFromContainer(f.container, string(crypto.ResolvePassphrase(f.password)))
	}
	if err != nil {
		m.Cleanup()
		return nil, err
	}
	return m, nil
}

// newTSAClient builds the timestamp client from configuration. extraURL,
// when set, is tried before the configured authorities.
func newTSAClient(extraURL string) (*tsa.Client, error) {
	client, err := tsa.NewClient(app.cfg.TSAConfig(),
		tsa.WithLogger(app.log),
		tsa.WithAudit(app.audit))
	if err != nil {
		return nil, err
	}
	if extraURL != "" {
		if err := client.PrependAuthority(tsa.Authority{Name: "custom", URL: extraURL}); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
