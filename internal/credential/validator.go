package credential

import (
	"crypto/x509"
	"fmt"
)

// CheckSigningUsage reports whether cert may sign documents. A key usage
// extension must include digitalSignature or nonRepudiation; an extended
// key usage extension must allow any usage, email protection or code
// signing. Absent extensions place no restriction.
func CheckSigningUsage(cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}

	if cert.KeyUsage != 0 &&
		cert.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) == 0 {
		return fmt.Errorf("key usage %v does not allow signing", KeyUsages(cert.KeyUsage))
	}

	if len(cert.ExtKeyUsage) == 0 {
		return nil
	}
	for _, eku := range cert.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageAny, x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageCodeSigning:
			return nil
		}
	}
	return fmt.Errorf("extended key usage does not allow document signing: %s", ekuNames(cert.ExtKeyUsage))
}

func ekuNames(usages []x509.ExtKeyUsage) string {
	out := ""
	for i, u := range usages {
		if i > 0 {
			out += ","
		}
		out += ekuToString(u)
	}
	return out
}

func ekuToString(usage x509.ExtKeyUsage) string {
	switch usage {
	case x509.ExtKeyUsageAny:
		return "any"
	case x509.ExtKeyUsageServerAuth:
		return "serverAuth"
	case x509.ExtKeyUsageClientAuth:
		return "clientAuth"
	case x509.ExtKeyUsageCodeSigning:
		return "codeSigning"
	case x509.ExtKeyUsageEmailProtection:
		return "emailProtection"
	case x509.ExtKeyUsageTimeStamping:
		return "timeStamping"
	case x509.ExtKeyUsageOCSPSigning:
		return "ocspSigning"
	default:
		return fmt.Sprintf("unknown(%d)", usage)
	}
}
