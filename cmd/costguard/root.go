package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/costguard/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "costguard",
	Short: "Costguard - LLM spend enforcement engine",
	Long: `Costguard evaluates proposed LLM calls against budgets and routing
policies before they run.

For every call it:
  - Prices the call from the pricing table
  - Charges the projected cost to every matching budget
  - Fires threshold notifications and enforces hard limits
  - Moves routing policies to cheaper model stages as budgets fill

Configuration is read from --config (optional) and COSTGUARD_* environment
variables, which win over the file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before COSTGUARD_* overrides")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
