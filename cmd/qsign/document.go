package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/credential"
	"github.com/remiblancher/qsign/internal/pdf"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file.pdf>",
	Short: "Check that a file is a PDF document",
	Long: `Check that a file starts with the PDF header and report its page
count, page size and byte size.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <signed.pdf>",
	Short: "Verify the signature embedded by qsign",
	Long: `Verify the last signature object of a document signed by qsign.

The signature is checked against the certificate stored in the
signature dictionary over the bytes covered by /ByteRange. Trust in
that certificate is not evaluated.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

var documentJSON bool

func init() {
	validateCmd.Flags().BoolVar(&documentJSON, "json", false, "Output as JSON")
	verifyCmd.Flags().BoolVar(&documentJSON, "json", false, "Output as JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	info, err := pdf.Inspect(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if documentJSON {
		if err := writeJSON(out, info); err != nil {
			return err
		}
	} else {
		status := "valid"
		if !info.Valid {
			status = "invalid"
		}
		fmt.Fprintf(out, "File:         %s\n", args[0])
		fmt.Fprintf(out, "Status:       %s\n", formatStatus(status))
		if info.Valid {
			fmt.Fprintf(out, "Pages:        %d\n", info.Pages)
			fmt.Fprintf(out, "Page size:    %g x %g pt\n", info.Dimensions.Width, info.Dimensions.Height)
		}
		fmt.Fprintf(out, "Size:         %d bytes\n", info.Size)
	}

	if !info.Valid {
		return fmt.Errorf("%s: %w", args[0], pdf.ErrInvalidFormat)
	}
	return nil
}

// verifyReport is the JSON view of a verification.
type verifyReport struct {
	Signer        credential.CertificateInfo `json:"signer"`
	SigningTime   time.Time                  `json:"signing_time"`
	Metadata      pdf.Metadata               `json:"metadata"`
	Position      pdf.Position               `json:"position"`
	Timestamped   bool                       `json:"timestamped"`
	TimestampTime *time.Time                 `json:"timestamp_time,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", pdf.ErrReadFailed, err)
	}
	res, err := pdf.Verify(data)
	if err != nil {
		return err
	}

	report := verifyReport{
		Signer:      credential.NewCertificateInfo(res.Certificate, res.SigningTime),
		SigningTime: res.SigningTime,
		Metadata:    res.Metadata,
		Position:    res.Position,
		Timestamped: res.Timestamped,
	}
	if !res.TimestampTime.IsZero() {
		report.TimestampTime = &res.TimestampTime
	}

	out := cmd.OutOrStdout()
	if documentJSON {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "Status:       %s\n", formatStatus("valid"))
	fmt.Fprintf(out, "Signer:       %s\n", report.Signer.Subject)
	fmt.Fprintf(out, "Thumbprint:   %s\n", report.Signer.Thumbprint)
	fmt.Fprintf(out, "Signed at:    %s\n", res.SigningTime.Format(time.RFC3339))
	if res.Metadata.Reason != "" {
		fmt.Fprintf(out, "Reason:       %s\n", res.Metadata.Reason)
	}
	if res.Metadata.Location != "" {
		fmt.Fprintf(out, "Location:     %s\n", res.Metadata.Location)
	}
	fmt.Fprintf(out, "Position:     page %d at (%g, %g) %gx%g\n",
		res.Position.Page, res.Position.X, res.Position.Y, res.Position.Width, res.Position.Height)
	switch {
	case report.TimestampTime != nil:
		fmt.Fprintf(out, "Timestamp:    %s\n", report.TimestampTime.Format(time.RFC3339))
	case res.Timestamped:
		fmt.Fprintln(out, "Timestamp:    present (opaque token)")
	default:
		fmt.Fprintln(out, "Timestamp:    none")
	}
	return nil
}
