package dto

import "github.com/remiblancher/qsign/internal/credential"

// IdentityRequest selects a signing identity: a store certificate by
// thumbprint, or an uploaded PKCS#12 container.
type IdentityRequest struct {
	// Thumbprint is the hex SHA-1 thumbprint of a store certificate.
	Thumbprint string `json:"thumbprint,omitempty"`

	// Container is a PKCS#12 file.
	Container *BinaryData `json:"container,omitempty"`

	// Password decrypts the container.
	Password string `json:"password,omitempty"`
}

// IdentityResponse describes a resolved identity.
type IdentityResponse struct {
	// Source is the store name or "container".
	Source string `json:"source"`

	// Certificate is the certificate metadata.
	Certificate credential.CertificateInfo `json:"certificate"`

	// Valid is true when the certificate is within its validity window.
	Valid bool `json:"valid"`
}

// IdentityListResponse lists the store identities with a usable key.
type IdentityListResponse struct {
	Identities []credential.CertificateInfo `json:"identities"`
}
