package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "etlworker",
		Short: "sai-etl Stage 1/Stage 2 worker daemon",
		Long:  "Runs the trigger-stage ingest and the claim/process/commit worker pool for the fire/smoke detection analytics pipeline.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file")
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(reprocessCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
