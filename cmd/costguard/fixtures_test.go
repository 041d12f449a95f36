package main

import (
	"os"
	"path/filepath"
	"testing"

	"mercator-hq/costguard/pkg/config"
)

const testPricing = `
models:
  - model: gpt-premium
    input_per_1k: 4
    output_per_1k: 4
  - model: gpt-standard
    input_per_1k: 1
    output_per_1k: 1
`

const testPolicies = `
budgets:
  - id: team-daily
    scope: identity
    period: daily
    constraints:
      max_cost: "10.00"
    thresholds:
      - {percent: 80, action: notify}
    hard_limit_action: block

routing_policies:
  - id: tiered
    scope: identity
    stages:
      - model: gpt-premium
      - model: gpt-standard
    triggers:
      - {budget: team-daily, on_threshold: 80, target_stage: 1}
`

// writeDefinitions writes pricing and policy files to a temp dir and
// returns a config pointing at them.
func writeDefinitions(t *testing.T, pricingYAML, policyYAML string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	pricingPath := filepath.Join(dir, "pricing.yaml")
	if err := os.WriteFile(pricingPath, []byte(pricingYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	policyDir := filepath.Join(dir, "policies")
	if err := os.Mkdir(policyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(policyDir, "team.yaml"), []byte(policyYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Sources.PricingPath = pricingPath
	cfg.Sources.PolicyPath = policyDir
	return cfg
}
