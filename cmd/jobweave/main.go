package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "jobweave",
	Short: "jobweave - recurring job scheduler with dependency-aware runs",
	Long: `jobweave runs recurring jobs from a config file, orders them by their
declared dependencies and records every run in a durable ledger.

Examples:
  jobweave run -c /etc/jobweave/config.yaml
  jobweave validate -c config.json
  jobweave status backup -n 5
  jobweave trigger backup --admin http://127.0.0.1:8089`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(triggerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
