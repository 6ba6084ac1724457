package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/internal/crypto"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the personal file store",
	Long: `Manage the personal file store.

Private keys are kept encrypted with the passphrase read from the
variable named by store.passphrase_env (default QSIGN_STORE_PASSPHRASE).

Examples:
  # Import a PKCS#12 container
  qsign store import me.p12 --password env:P12_PASS

  # List all entries, including certificates without a key
  qsign store list

  # Remove an entry
  qsign store delete 3f2a9c...`,
}

var storeImportCmd = &cobra.Command{
	Use:   "import <container.p12>",
	Short: "Import the signing entry of a PKCS#12 container",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreImport,
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all store entries",
	Args:  cobra.NoArgs,
	RunE:  runStoreList,
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <thumbprint>",
	Short: "Remove a store entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreDelete,
}

var storePassword string

func init() {
	storeImportCmd.Flags().StringVar(&storePassword, "password", "", "Container password (or env:VAR)")

	storeCmd.AddCommand(storeImportCmd)
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeDeleteCmd)
}

func runStoreImport(cmd *cobra.Command, args []string) error {
	store, err := app.cfg.FileStore()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read container: %w", err)
	}

	id, err := store.Import(cmd.Context(), data, string(crypto.ResolvePassphrase(storePassword)))
	event := audit.NewEvent(audit.EventStoreImported, audit.ResultOf(err == nil)).
		WithObject(audit.Object{Type: "identity", Path: args[0], Thumbprint: id})
	if err != nil {
		event = event.WithContext(audit.Context{Reason: err.Error()})
	}
	if werr := app.audit.Write(event); werr != nil {
		return fmt.Errorf("audit write failed: %w", werr)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into %s\n", id, store.BasePath())
	return nil
}

func runStoreList(cmd *cobra.Command, args []string) error {
	store, err := app.cfg.FileStore()
	if err != nil {
		return err
	}
	entries, err := store.Entries(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Store is empty")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "THUMBPRINT\tSUBJECT\tNOT AFTER\tKEY")
	for _, e := range entries {
		key := "yes"
		if !e.HasKey {
			key = formatStatus("no key")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Thumbprint, e.Subject, e.NotAfter.Format("2006-01-02"), key)
	}
	return tw.Flush()
}

func runStoreDelete(cmd *cobra.Command, args []string) error {
	store, err := app.cfg.FileStore()
	if err != nil {
		return err
	}
	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}
