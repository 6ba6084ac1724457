package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log management",
	Long: `Commands for verifying audit logs.

The audit log records identity loads and releases, signed documents,
timestamp requests and rejected bridge requests. Each event is chained
to the previous one with a SHA-256 hash.

Examples:
  # Verify audit log integrity
  qsign audit verify ~/.qsign/audit.jsonl`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <audit.jsonl>",
	Short: "Verify audit log integrity",
	Long: `Verify the hash chain of an audit log file.

The chain starts with hash_prev="sha256:genesis" for the first event.
A modified, deleted or inserted event breaks the chain at that line.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuditVerify,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verifying audit log: %s\n\n", args[0])

	count, err := audit.VerifyChain(args[0])
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n")
		fmt.Fprintf(out, "  Valid events: %d\n", count)
		fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Total events: %d\n", count)
	fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}
