package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var blockListLimit int

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Inspect proxy-pool state",
}

var proxyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest persisted snapshot of every known proxy",
	Args:  cobra.NoArgs,
	RunE:  runProxyList,
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Inspect host block-cooldown state",
}

var blockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent block records",
	Args:  cobra.NoArgs,
	RunE:  runBlockList,
}

func init() {
	rootCmd.AddCommand(proxyCmd, blockCmd)
	proxyCmd.AddCommand(proxyListCmd)
	blockCmd.AddCommand(blockListCmd)

	blockListCmd.Flags().IntVar(&blockListLimit, "limit", 50, "maximum records to display")
}

func runProxyList(cmd *cobra.Command, args []string) error {
	entries, err := db.ListProxyStats(context.Background())
	if err != nil {
		return fmt.Errorf("list proxy stats: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No proxy stats recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tBLOCKED UNTIL\tSUCCESS\tFAILURE\tLAST USED")
	fmt.Fprintln(w, "--\t---\t-------------\t-------\t-------\t---------")
	for _, e := range entries {
		blockedUntil := "-"
		if e.BlockedUntil != nil {
			blockedUntil = e.BlockedUntil.Format("2006-01-02 15:04:05")
		}
		lastUsed := "-"
		if e.LastUsedAt != nil {
			lastUsed = e.LastUsedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", e.ID, e.URL, blockedUntil, e.SuccessCount, e.FailureCount, lastUsed)
	}
	return w.Flush()
}

func runBlockList(cmd *cobra.Command, args []string) error {
	records, err := db.ListRecentBlockRecords(context.Background(), blockListLimit)
	if err != nil {
		return fmt.Errorf("list block records: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No block records recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "HOST\tPROXY\tBLOCKED AT\tBLOCKED UNTIL\tREASON")
	fmt.Fprintln(w, "----\t-----\t----------\t-------------\t------")
	for _, r := range records {
		proxyID := "-"
		if r.ProxyID != nil {
			proxyID = *r.ProxyID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Host, proxyID,
			r.BlockedAt.Format("2006-01-02 15:04:05"), r.BlockedUntil.Format("2006-01-02 15:04:05"), r.Reason)
	}
	return w.Flush()
}
