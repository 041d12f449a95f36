package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/engine"
	"mercator-hq/costguard/pkg/limits"
)

var replayFlags struct {
	pricingPath string
	policyPath  string
	format      string
}

var replayCmd = &cobra.Command{
	Use:   "replay SCENARIO",
	Short: "Replay a scenario of calls against the policies",
	Long: `Replay a YAML scenario of evaluate, settle, advance, and reset steps
through an in-process engine and print the decision for each step.

The engine clock starts at the scenario's start time and only moves on
advance steps, so daily and rolling periods can be exercised without
waiting. Nothing is persisted.

Scenario format:

  start: 2026-05-04T09:00:00Z
  steps:
    - evaluate: {id: c1, model: gpt-premium, identity: alice, input_units: 1000}
    - settle: {call_id: c1, input_units: 800, output_units: 200}
    - advance: 24h
    - reset: {policy_id: tiered, call: {identity: alice}}

Examples:
  costguard replay scenario.yaml --pricing pricing.yaml --policies policies/
  costguard replay scenario.yaml --format csv`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayFlags.pricingPath, "pricing", "", "pricing file (overrides sources.pricing_path)")
	replayCmd.Flags().StringVar(&replayFlags.policyPath, "policies", "", "policy file or directory (overrides sources.policy_path)")
	replayCmd.Flags().StringVar(&replayFlags.format, "format", "text", "output format: text, json, csv")
}

// scenario is a replayable sequence of engine operations.
type scenario struct {
	// Start is the initial engine time. Default: now.
	Start time.Time `yaml:"start"`
	Steps []step    `yaml:"steps"`
}

// step holds exactly one operation.
type step struct {
	Evaluate *limits.Call  `yaml:"evaluate"`
	Settle   *settleStep   `yaml:"settle"`
	Advance  time.Duration `yaml:"advance"`
	Reset    *resetStep    `yaml:"reset"`
}

type settleStep struct {
	CallID      string `yaml:"call_id"`
	InputUnits  int64  `yaml:"input_units"`
	OutputUnits int64  `yaml:"output_units"`
}

type resetStep struct {
	PolicyID string      `yaml:"policy_id"`
	ScopeKey string      `yaml:"scope_key"`
	Call     limits.Call `yaml:"call"`
}

func (s step) action() (string, error) {
	var actions []string
	if s.Evaluate != nil {
		actions = append(actions, "evaluate")
	}
	if s.Settle != nil {
		actions = append(actions, "settle")
	}
	if s.Advance != 0 {
		actions = append(actions, "advance")
	}
	if s.Reset != nil {
		actions = append(actions, "reset")
	}
	switch len(actions) {
	case 0:
		return "", errors.New("step has no operation")
	case 1:
		return actions[0], nil
	default:
		return "", fmt.Errorf("step has several operations: %s", strings.Join(actions, ", "))
	}
}

// parseScenario decodes and checks a scenario document.
func parseScenario(data []byte) (*scenario, error) {
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, errors.New("scenario has no steps")
	}
	for i, s := range sc.Steps {
		if _, err := s.action(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if s.Advance < 0 {
			return nil, fmt.Errorf("step %d: advance must be positive", i+1)
		}
	}
	return &sc, nil
}

// stepClock is a clock that only moves when advanced.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stepResult is one printed line of a replay.
type stepResult struct {
	Step        int    `json:"step"`
	Time        string `json:"time"`
	Action      string `json:"action"`
	CallID      string `json:"call_id,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Model       string `json:"model,omitempty"`
	Cost        string `json:"cost,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

type replayResult struct {
	Steps []stepResult `json:"steps"`
}

func (r *replayResult) Headers() []string {
	return []string{"STEP", "TIME", "ACTION", "CALL", "DISPOSITION", "MODEL", "COST", "DETAIL"}
}

func (r *replayResult) Rows() [][]string {
	rows := make([][]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		rows = append(rows, []string{
			strconv.Itoa(s.Step), s.Time, s.Action, s.CallID, s.Disposition, s.Model, s.Cost, s.Detail,
		})
	}
	return rows
}

func runReplay(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(replayFlags.format)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return cli.NewCommandError("replay", err)
	}
	sc, err := parseScenario(data)
	if err != nil {
		return cli.NewCommandError("replay", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if replayFlags.pricingPath != "" {
		cfg.Sources.PricingPath = replayFlags.pricingPath
	}
	if replayFlags.policyPath != "" {
		cfg.Sources.PolicyPath = replayFlags.policyPath
	}

	logger := slog.New(slog.DiscardHandler)
	if verbose {
		if logger, err = newLogger(cfg.Telemetry.Logging, cmd.ErrOrStderr(), true); err != nil {
			return err
		}
	}

	result, err := replay(cmd.Context(), cfg, sc, logger)
	if err != nil {
		return cli.NewCommandError("replay", err)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), result)
}

// replay runs sc against a fresh engine built from cfg's sources.
// Storage, metrics, and maintenance settings are ignored.
func replay(ctx context.Context, cfg *config.Config, sc *scenario, logger *slog.Logger) (*replayResult, error) {
	start := sc.Start
	if start.IsZero() {
		start = time.Now()
	}
	clock := &stepClock{now: start}

	run := *cfg
	run.Maintenance.Enabled = false

	pricingSrc, policySrc := fileSources(cfg.Sources, logger)
	eng, err := engine.New(engineOptions(&run, engineDeps{
		pricing:  pricingSrc,
		policies: policySrc,
		logger:   logger,
		now:      clock.Now,
	}))
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	report, err := eng.Reload(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range report.Errors {
		logger.Warn("definition rejected", "error", e)
	}

	result := &replayResult{Steps: make([]stepResult, 0, len(sc.Steps))}
	for i, s := range sc.Steps {
		action, _ := s.action()
		res := stepResult{
			Step:   i + 1,
			Time:   clock.Now().UTC().Format(time.RFC3339),
			Action: action,
		}

		switch action {
		case "evaluate":
			d, err := eng.Evaluate(ctx, *s.Evaluate)
			res.CallID = d.CallID
			res.Disposition = d.Disposition.String()
			res.Model = d.Model
			res.Cost = d.Cost.StringFixed(4)
			res.Detail = decisionDetail(d, err)
		case "settle":
			st, err := eng.Settle(ctx, s.Settle.CallID, engine.ActualUsage{
				InputUnits:  s.Settle.InputUnits,
				OutputUnits: s.Settle.OutputUnits,
			})
			res.CallID = s.Settle.CallID
			if err != nil {
				res.Detail = err.Error()
				break
			}
			res.Model = st.Model
			res.Cost = st.Cost.StringFixed(4)
			res.Detail = fmt.Sprintf("%d charge(s) corrected", len(st.Charges))
		case "advance":
			clock.Advance(s.Advance)
			res.Detail = "clock now " + clock.Now().UTC().Format(time.RFC3339)
		case "reset":
			key := s.Reset.ScopeKey
			if key == "" {
				if key, err = eng.StageKey(s.Reset.PolicyID, s.Reset.Call); err != nil {
					res.Detail = err.Error()
					break
				}
			}
			if eng.ResetStage(ctx, key, s.Reset.PolicyID) {
				res.Detail = "stage reset for " + key
			} else {
				res.Detail = "no stage record for " + key
			}
		}
		result.Steps = append(result.Steps, res)
	}
	return result, nil
}

// decisionDetail summarises what shaped a decision.
func decisionDetail(d *engine.Decision, err error) string {
	var parts []string
	if err != nil {
		parts = append(parts, err.Error())
	} else if d.BlockedBy != "" {
		parts = append(parts, "blocked by "+d.BlockedBy)
	}
	for _, n := range d.Notifications {
		parts = append(parts, fmt.Sprintf("%s crossed %g%%", n.BudgetID, n.Percent))
	}
	if len(d.DowngradeBudgets) > 0 {
		parts = append(parts, "downgrade requested by "+strings.Join(d.DowngradeBudgets, ","))
	}
	if len(d.Overages) > 0 {
		parts = append(parts, "overage on "+strings.Join(d.Overages, ","))
	}
	if r := d.Routing; r != nil && r.Downgraded() {
		parts = append(parts, fmt.Sprintf("%s stage %d -> %d", r.PolicyID, r.Previous, r.Stage))
	}
	if d.RetryAfter > 0 {
		parts = append(parts, "retry after "+d.RetryAfter.String())
	}
	return strings.Join(parts, "; ")
}
