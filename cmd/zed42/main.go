package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "zed42",
	Short:   "zed42 - budget ledger and model orchestration router",
	Long:    `zed42 enforces per-entity spending budgets through an atomic lease/settle ledger and routes requests across tiered model backends with circuit breaking and cost-aware escalation.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zed42 %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "zed42.yaml", "path to config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(ratesCmd)
	rootCmd.AddCommand(leasesCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(circuitCmd)
}

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
