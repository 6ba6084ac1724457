package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/tsa"
)

var tsaCmd = &cobra.Command{
	Use:   "tsa",
	Short: "Timestamp authority operations (RFC 3161)",
	Long: `Timestamp authority operations.

Authorities are tried in the configured order when signing with
--timestamp. A timestamp.authorities list in the configuration replaces
the built-in list.

Examples:
  # Show the authorities in fallback order
  qsign tsa list

  # Probe each authority
  qsign tsa list --test`,
}

var tsaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List timestamp authorities in fallback order",
	Long: `List timestamp authorities in fallback order.

With --test, each authority is probed with a GET request. Statuses 200,
400 and 405 count as available since most endpoints only accept POST.`,
	Args: cobra.NoArgs,
	RunE: runTSAList,
}

var (
	tsaTest bool
	tsaJSON bool
)

func init() {
	tsaListCmd.Flags().BoolVar(&tsaTest, "test", false, "Probe each authority")
	tsaListCmd.Flags().BoolVar(&tsaJSON, "json", false, "Output as JSON")

	tsaCmd.AddCommand(tsaListCmd)
}

func runTSAList(cmd *cobra.Command, args []string) error {
	client, err := newTSAClient("")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !tsaTest {
		list := client.Authorities()
		if tsaJSON {
			if list == nil {
				list = []tsa.Authority{}
			}
			return writeJSON(out, list)
		}
		fmt.Fprintf(out, "Encoding: %s\n\n", client.Encoding())
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tNAME\tURL\tAUTH")
		for i, a := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", i+1, a.Name, a.URL, a.RequiresAuth)
		}
		return tw.Flush()
	}

	results := client.TestAll(cmd.Context())
	if tsaJSON {
		return writeJSON(out, results)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tSTATUS\tHTTP\tLATENCY\tURL")
	available := 0
	for i, r := range results {
		status := "unavailable"
		if r.Available {
			status = "available"
			available++
		}
		code := "-"
		if r.StatusCode != 0 {
			code = fmt.Sprint(r.StatusCode)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%dms\t%s\n", i+1, r.Name, formatStatus(status), code, r.Latency.Milliseconds(), r.URL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d authorities available\n", available, len(results))
	return nil
}
