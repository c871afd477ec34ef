package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/chatblast/internal/gateway"
)

var (
	sandboxCampaign  string
	sandboxLimit     int
	sandboxClearDays int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect dispatches captured by the sandbox gateway",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured dispatches",
	RunE:  runSandboxList,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured dispatches",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxCampaign, "campaign", "", "Filter by campaign ID")
	sandboxListCmd.Flags().IntVar(&sandboxLimit, "limit", 50, "Maximum number of dispatches")

	sandboxClearCmd.Flags().StringVar(&sandboxCampaign, "campaign", "", "Clear only for a specific campaign")
	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear dispatches older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandboxStorage() (*gateway.SandboxStorage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage, err := gateway.NewSandboxStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return storage, db, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	captures, err := storage.List(context.Background(), gateway.SandboxFilter{
		CampaignID: sandboxCampaign,
		Limit:      sandboxLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list dispatches: %w", err)
	}

	if len(captures) == 0 {
		fmt.Println("No dispatches in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAMPAIGN\tIDENTIFIER\tGEN\tOUTCOME\tMESSAGE\tCAPTURED")
	fmt.Fprintln(w, "--------\t----------\t---\t-------\t-------\t--------")

	for _, c := range captures {
		msg := c.Message
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			c.CampaignID, c.Identifier, c.Generation, c.Outcome, msg,
			c.CapturedAt.Format("2006-01-02 15:04:05"))
	}

	w.Flush()
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	var olderThan time.Duration
	if sandboxClearDays > 0 {
		olderThan = time.Duration(sandboxClearDays) * 24 * time.Hour
	}

	count, err := storage.Clear(context.Background(), sandboxCampaign, olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Cleared %d dispatches\n", count)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	fmt.Printf("Total dispatches: %d\n", stats.Total)

	if len(stats.ByOutcome) > 0 {
		fmt.Println("\nBy outcome:")
		for _, k := range sortedKeys(stats.ByOutcome) {
			fmt.Printf("  %-10s %d\n", k, stats.ByOutcome[k])
		}
	}

	if len(stats.ByCampaign) > 0 {
		fmt.Println("\nBy campaign:")
		for _, k := range sortedKeys(stats.ByCampaign) {
			fmt.Printf("  %-36s %d\n", k, stats.ByCampaign[k])
		}
	}

	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
