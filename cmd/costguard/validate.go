package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/engine"
)

var validateFlags struct {
	pricingPath string
	policyPath  string
	format      string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate pricing and policy definitions",
	Long: `Load the pricing table and the budget and routing policies and report
every rejected entry.

Entries are checked the same way a running server checks them on reload:
each is validated on its own, and budgets and routing policies are checked
against the pricing table. The command exits with status 2 when any entry
is rejected.

Examples:
  # Validate the paths from the configuration
  costguard validate --config costguard.yaml

  # Validate explicit paths
  costguard validate --pricing pricing.yaml --policies policies/

  # Machine-readable report
  costguard validate --format json`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.pricingPath, "pricing", "", "pricing file (overrides sources.pricing_path)")
	validateCmd.Flags().StringVar(&validateFlags.policyPath, "policies", "", "policy file or directory (overrides sources.policy_path)")
	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json, csv")
}

// validateReport is the result of a validate run.
type validateReport struct {
	PricingPath     string   `json:"pricing_path"`
	PolicyPath      string   `json:"policy_path"`
	Models          int      `json:"models"`
	Budgets         int      `json:"budgets"`
	RoutingPolicies int      `json:"routing_policies"`
	Errors          []string `json:"errors"`
}

func (r *validateReport) Headers() []string {
	return []string{"CHECK", "RESULT"}
}

func (r *validateReport) Rows() [][]string {
	rows := [][]string{
		{"models", strconv.Itoa(r.Models)},
		{"budgets", strconv.Itoa(r.Budgets)},
		{"routing_policies", strconv.Itoa(r.RoutingPolicies)},
	}
	for _, e := range r.Errors {
		rows = append(rows, []string{"rejected", e})
	}
	return rows
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if validateFlags.pricingPath != "" {
		cfg.Sources.PricingPath = validateFlags.pricingPath
	}
	if validateFlags.policyPath != "" {
		cfg.Sources.PolicyPath = validateFlags.policyPath
	}

	logger := slog.New(slog.DiscardHandler)
	if verbose {
		if logger, err = newLogger(cfg.Telemetry.Logging, cmd.ErrOrStderr(), true); err != nil {
			return err
		}
	}

	return validateDefinitions(cmd.Context(), cmd.OutOrStdout(), cfg, format, logger)
}

// validateDefinitions loads the configured sources into a throwaway
// engine and writes the report to w.
func validateDefinitions(ctx context.Context, w io.Writer, cfg *config.Config, format cli.OutputFormat, logger *slog.Logger) error {
	pricingSrc, policySrc := fileSources(cfg.Sources, logger)
	eng, err := engine.New(engineOptions(cfg, engineDeps{
		pricing:  pricingSrc,
		policies: policySrc,
		logger:   logger,
	}))
	if err != nil {
		return cli.NewCommandError("validate", err)
	}
	defer eng.Close()

	loaded, err := eng.Reload(ctx)
	if err != nil {
		return cli.NewCommandError("validate", err)
	}

	report := &validateReport{
		PricingPath:     cfg.Sources.PricingPath,
		PolicyPath:      cfg.Sources.PolicyPath,
		Models:          loaded.Models,
		Budgets:         loaded.Budgets,
		RoutingPolicies: loaded.RoutingPolicies,
		Errors:          []string{},
	}
	for _, e := range loaded.Errors {
		report.Errors = append(report.Errors, e.Error())
	}

	if err := cli.NewFormatter(format).FormatTo(w, report); err != nil {
		return err
	}
	if n := len(report.Errors); n > 0 {
		return &cli.CommandError{
			Command: "validate",
			Err:     fmt.Errorf("%d definition(s) rejected", n),
			Code:    cli.ExitInvalid,
		}
	}
	return nil
}
