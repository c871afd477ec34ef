package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/outcome"
)

var reportGeneration uint64

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Read or write the delivery confirmation register (requires --api)",
}

var outcomeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current confirmation",
	RunE:  runOutcomeShow,
}

var outcomeReportCmd = &cobra.Command{
	Use:   "report <success|failure>",
	Short: "Report the outcome of the dispatch in flight",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutcomeReport,
}

func init() {
	outcomeCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Server base URL, e.g. http://localhost:8080")
	outcomeCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default: $"+config.EnvAPIKey+")")

	outcomeReportCmd.Flags().Uint64Var(&reportGeneration, "generation", 0, "Only apply to this dispatch generation")

	outcomeCmd.AddCommand(outcomeShowCmd, outcomeReportCmd)
	rootCmd.AddCommand(outcomeCmd)
}

func runOutcomeShow(cmd *cobra.Command, args []string) error {
	if err := requireAPI("outcome show"); err != nil {
		return err
	}

	st, err := newAPIClient().Outcome(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read outcome: %w", err)
	}

	fmt.Printf("Generation: %d\n", st.Generation)
	fmt.Printf("Outcome:    %s\n", st.Outcome)
	return nil
}

func runOutcomeReport(cmd *cobra.Command, args []string) error {
	if err := requireAPI("outcome report"); err != nil {
		return err
	}

	result, err := outcome.Parse(args[0])
	if err != nil {
		return err
	}

	var generation *uint64
	if cmd.Flags().Changed("generation") {
		generation = &reportGeneration
	}

	if err := newAPIClient().ReportOutcome(context.Background(), string(result), generation); err != nil {
		return fmt.Errorf("failed to report outcome: %w", err)
	}

	fmt.Printf("Reported %s\n", result)
	return nil
}
