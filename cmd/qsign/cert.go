package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/credential"
	"github.com/remiblancher/qsign/internal/crypto"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Signing identity operations",
	Long: `Inspect the signing identities available to qsign.

Identities come from the configured store (file or pkcs11) or from a
PKCS#12 container passed on the command line.

Examples:
  # List store identities that have a usable private key
  qsign cert list

  # Show a store identity
  qsign cert info --thumbprint 3f2a9c...

  # Show the signing entry of a container
  qsign cert info --container me.p12 --password env:P12_PASS`,
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List store identities with a usable private key",
	Args:  cobra.NoArgs,
	RunE:  runCertList,
}

var certInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Resolve an identity and show its certificate",
	Long: `Resolve a signing identity and show its certificate.

The private key is acquired and released again, so a successful run
proves the identity can sign.`,
	Args: cobra.NoArgs,
	RunE: runCertInfo,
}

var (
	certJSON     bool
	certIdentity identityFlags
)

func init() {
	certListCmd.Flags().BoolVar(&certJSON, "json", false, "Output as JSON")

	certInfoCmd.Flags().StringVar(&certIdentity.thumbprint, "thumbprint", "", "SHA-1 thumbprint of a store certificate")
	certInfoCmd.Flags().StringVar(&certIdentity.container, "container", "", "PKCS#12 container file")
	certInfoCmd.Flags().StringVar(&certIdentity.password, "password", "", "Container password (or env:VAR)")
	certInfoCmd.Flags().BoolVar(&certJSON, "json", false, "Output as JSON")

	certCmd.AddCommand(certListCmd)
	certCmd.AddCommand(certInfoCmd)
}

func runCertList(cmd *cobra.Command, args []string) error {
	m, err := newManager(true)
	if err != nil {
		return err
	}
	defer m.Cleanup()

	infos, err := m.ListAvailable(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if certJSON {
		if infos == nil {
			infos = []credential.CertificateInfo{}
		}
		return writeJSON(out, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No signing identities found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "THUMBPRINT\tSUBJECT\tVALID TO\tSTATUS")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			info.Thumbprint, info.Subject,
			info.ValidTo.Format("2006-01-02"),
			formatStatus(validityStatus(info.IsValid)))
	}
	return tw.Flush()
}

func runCertInfo(cmd *cobra.Command, args []string) error {
	m, err := loadIdentity(cmd.Context(), &certIdentity)
	if err != nil {
		return err
	}
	defer m.Cleanup()

	info := m.Info()
	out := cmd.OutOrStdout()
	if certJSON {
		return writeJSON(out, info)
	}

	source := credential.SourceContainer
	if id := m.Identity(); id != nil {
		source = id.Source
	}
	usages := make([]string, 0, len(info.KeyUsage))
	for _, u := range info.KeyUsage {
		usages = append(usages, string(u))
	}

	fmt.Fprintf(out, "Source:       %s\n", source)
	fmt.Fprintf(out, "Subject:      %s\n", info.Subject)
	fmt.Fprintf(out, "Issuer:       %s\n", info.Issuer)
	fmt.Fprintf(out, "Serial:       %s\n", info.SerialNumber)
	fmt.Fprintf(out, "Valid from:   %s\n", info.ValidFrom.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Valid to:     %s\n", info.ValidTo.Format("2006-01-02 15:04:05 MST"))
	if info.KeyAlgorithm != "" {
		alg := crypto.AlgorithmID(info.KeyAlgorithm)
		fmt.Fprintf(out, "Key:          %s (%d bits)\n", alg.Description(), info.KeySize)
	}
	fmt.Fprintf(out, "Key usage:    %s\n", strings.Join(usages, ", "))
	fmt.Fprintf(out, "Thumbprint:   %s\n", info.Thumbprint)
	fmt.Fprintf(out, "SHA-256:      %s\n", info.Fingerprint)
	fmt.Fprintf(out, "Status:       %s\n", formatStatus(validityStatus(m.Validate())))
	return nil
}
