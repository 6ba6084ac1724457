package crypto

import "os"

// ResolvePassphrase resolves a passphrase value.
// If the value starts with "env:", the rest is read as an environment
// variable name. Otherwise the value is used as-is.
func ResolvePassphrase(passphrase string) []byte {
	if passphrase == "" {
		return nil
	}
	if len(passphrase) > 4 && passphrase[:4] == "env:" {
		return []byte(os.Getenv(passphrase[4:]))
	}
	return []byte(passphrase)
}
