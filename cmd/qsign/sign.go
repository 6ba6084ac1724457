package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/pdf"
)

var signCmd = &cobra.Command{
	Use:   "sign <input.pdf>",
	Short: "Sign a PDF document",
	Long: `Sign a PDF document.

The signed copy keeps every byte of the input and adds one signature
object before the final %%EOF marker. The output is written atomically:
on failure nothing is left at the output path.

When --timestamp is set, the configured authorities are tried in order.
If none answers, the document is still signed and the timestamp
authority is reported empty.

Examples:
  # Sign with a store certificate
  qsign sign contract.pdf --thumbprint 3f2a9c...

  # Sign with a container, place the signature and add a timestamp
  qsign sign contract.pdf --container me.p12 --password env:P12_PASS \
      --page 2 --x 350 --y 50 --width 200 --height 60 --timestamp

  # Try a specific authority first
  qsign sign contract.pdf --thumbprint 3f2a9c... --timestamp --tsa-url https://tsa.example.com/tsr`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

var (
	signIdentity  identityFlags
	signOutput    string
	signPosition  pdf.Position
	signTimestamp bool
	signTSAURL    string
	signHash      string
	signMetadata  pdf.Metadata
	signJSON      bool
)

func init() {
	flags := signCmd.Flags()
	flags.StringVar(&signIdentity.thumbprint, "thumbprint", "", "SHA-1 thumbprint of a store certificate")
	flags.StringVar(&signIdentity.container, "container", "", "PKCS#12 container file")
	flags.StringVar(&signIdentity.password, "password", "", "Container password (or env:VAR)")
	flags.StringVarP(&signOutput, "out", "o", "", "Output file (default: <input>_signed.pdf)")

	flags.IntVar(&signPosition.Page, "page", 1, "Page carrying the signature (1-based)")
	flags.Float64Var(&signPosition.X, "x", 50, "Signature box X coordinate")
	flags.Float64Var(&signPosition.Y, "y", 50, "Signature box Y coordinate")
	flags.Float64Var(&signPosition.Width, "width", 200, "Signature box width")
	flags.Float64Var(&signPosition.Height, "height", 60, "Signature box height")

	flags.BoolVar(&signTimestamp, "timestamp", false, "Add an RFC 3161 timestamp")
	flags.StringVar(&signTSAURL, "tsa-url", "", "Timestamp authority tried before the configured ones")
	flags.StringVar(&signHash, "hash", "", "Digest algorithm (default from config: sha256)")

	flags.StringVar(&signMetadata.SignerName, "name", "", "Signer name (default: certificate CN)")
	flags.StringVar(&signMetadata.Reason, "reason", "", "Signing reason")
	flags.StringVar(&signMetadata.Location, "location", "", "Signing location")
	flags.StringVar(&signMetadata.ContactInfo, "contact", "", "Signer contact information")
	flags.BoolVar(&signJSON, "json", false, "Output the outcome as JSON")
}

// defaultOutputPath returns input with "_signed" inserted before the
// extension.
func defaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_signed" + ext
}

func runSign(cmd *cobra.Command, args []string) error {
	input := args[0]
	output := signOutput
	if output == "" {
		output = defaultOutputPath(input)
	}

	hashName := app.cfg.Signature.Hash
	if signHash != "" {
		hashName = signHash
	}
	h, err := crypto.HashFromName(hashName)
	if err != nil {
		return err
	}

	m, err := loadIdentity(cmd.Context(), &signIdentity)
	if err != nil {
		return err
	}
	defer m.Cleanup()

	opts := []pdf.Option{
		pdf.WithHash(h),
		pdf.WithDefaults(pdf.Metadata{
			Reason:      app.cfg.Signature.Reason,
			Location:    app.cfg.Signature.Location,
			ContactInfo: app.cfg.Signature.ContactInfo,
		}),
		pdf.WithLogger(app.log),
		pdf.WithAudit(app.audit),
	}
	if signTimestamp {
		client, err := newTSAClient(signTSAURL)
		if err != nil {
			return err
		}
		opts = append(opts,
			pdf.WithTimestamper(client),
			pdf.WithTimestampBudget(app.cfg.Timestamp.Budget))
	}

	out := pdf.NewSigner(opts...).Sign(cmd.Context(), m, pdf.Request{
		InputPath:        input,
		OutputPath:       output,
		Position:         signPosition,
		IncludeTimestamp: signTimestamp,
		Metadata:         signMetadata,
	})

	w := cmd.OutOrStdout()
	if signJSON {
		if err := writeJSON(w, out); err != nil {
			return err
		}
	} else if out.Success {
		fmt.Fprintf(w, "Status:       %s\n", formatStatus("signed"))
		fmt.Fprintf(w, "Output:       %s\n", out.OutputPath)
		fmt.Fprintf(w, "Signed at:    %s\n", out.SigningTime)
		fmt.Fprintf(w, "Size:         %d -> %d bytes\n", out.OriginalSize, out.SignedSize)
		switch {
		case out.TimestampAuthority != "":
			fmt.Fprintf(w, "Timestamp:    %s\n", out.TimestampAuthority)
		case signTimestamp:
			fmt.Fprintf(w, "Timestamp:    %s (no authority answered)\n", formatStatus("degraded"))
		}
		fmt.Fprintf(w, "Operation:    %s\n", out.OperationID)
	}

	if !out.Success {
		return fmt.Errorf("signing failed at %s: %s", out.FailedStage, out.Error)
	}
	return nil
}
