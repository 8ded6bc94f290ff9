package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/loopguard/internal/orchestrator"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-id>",
	Short: "Submit a plan for a new loop attempt",
	Long: `Submit a plan for a new loop attempt of a task.

The plan is given as repeated --step agent:goal flags or as a YAML/JSON
file with a "steps" list. The plan is checked against pending and
rejected checkpoints, the loop cap and the delusion guard. An admitted
attempt stays executing until it is reported with 'loopguard report'.

Examples:
  loopguard submit t1 --step "ash:fix the login test" --step "critic:review the fix"
  loopguard submit t1 --plan-file plan.yaml --block`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report the outcome of an executing loop attempt",
}

var reportSuccessCmd = &cobra.Command{
	Use:   "success <task-id> <loop-index>",
	Short: "Mark a loop attempt as succeeded",
	Args:  cobra.ExactArgs(2),
	RunE:  runReportSuccess,
}

var reportFailureCmd = &cobra.Command{
	Use:   "failure <task-id> <loop-index> <failure-signal>",
	Short: "Mark a loop attempt as failed and classify the failure",
	Args:  cobra.ExactArgs(3),
	RunE:  runReportFailure,
}

var reportAbortCmd = &cobra.Command{
	Use:   "abort <task-id> <loop-index> [reason]",
	Short: "Abort an executing loop attempt and halt the task",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runReportAbort,
}

func init() {
	submitCmd.Flags().StringArray("step", nil, "plan step as agent:goal (repeatable)")
	submitCmd.Flags().String("plan-file", "", "YAML or JSON plan file")
	submitCmd.Flags().Int("loop-index", orchestrator.NoIndexHint, "expected loop index")
	submitCmd.Flags().Bool("block", false, "block near-duplicates of rejected plans for this call")
	submitCmd.Flags().Bool("yaml", false, "print YAML instead of JSON")
	rootCmd.AddCommand(submitCmd)

	for _, c := range []*cobra.Command{reportSuccessCmd, reportFailureCmd, reportAbortCmd} {
		c.Flags().Bool("yaml", false, "print YAML instead of JSON")
		reportCmd.AddCommand(c)
	}
	rootCmd.AddCommand(reportCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	p, err := readPlan(cmd)
	if err != nil {
		return err
	}
	hint, _ := cmd.Flags().GetInt("loop-index")

	return withApp(func(a *app) error {
		a.warnEphemeral(cmd.ErrOrStderr())

		req := orchestrator.SubmitRequest{Task: taskKey(cmd, args[0]), Plan: p, LoopIndexHint: hint}
		if block, _ := cmd.Flags().GetBool("block"); block {
			_, guardCfg := a.coord.Defaults()
			guardCfg.BlockExecution = true
			req.Overrides.Guard = &guardCfg
		}
		res, err := a.coord.Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		if err := printResult(cmd.OutOrStdout(), res, yamlFlag(cmd)); err != nil {
			return err
		}
		return res.Err()
	})
}

func runReportSuccess(cmd *cobra.Command, args []string) error {
	index, err := parseIndex(args[1])
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		attempt, err := a.coord.ReportSuccess(cmd.Context(), taskKey(cmd, args[0]), index)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), attempt, yamlFlag(cmd))
	})
}

func runReportFailure(cmd *cobra.Command, args []string) error {
	index, err := parseIndex(args[1])
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		res, err := a.coord.ReportFailure(cmd.Context(), orchestrator.FailureRequest{
			Task:      taskKey(cmd, args[0]),
			LoopIndex: index,
			Signal:    args[2],
		})
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res, yamlFlag(cmd))
	})
}

func runReportAbort(cmd *cobra.Command, args []string) error {
	index, err := parseIndex(args[1])
	if err != nil {
		return err
	}
	reason := ""
	if len(args) == 3 {
		reason = args[2]
	}
	return withApp(func(a *app) error {
		attempt, err := a.coord.Abort(cmd.Context(), taskKey(cmd, args[0]), index, reason)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), attempt, yamlFlag(cmd))
	})
}

// readPlan builds the plan from --plan-file or --step flags.
func readPlan(cmd *cobra.Command) (plan.Plan, error) {
	file, _ := cmd.Flags().GetString("plan-file")
	steps, _ := cmd.Flags().GetStringArray("step")

	switch {
	case file != "" && len(steps) > 0:
		return plan.Plan{}, fmt.Errorf("use either --plan-file or --step, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("failed to read plan file: %w", err)
		}
		var p plan.Plan
		if err := yaml.Unmarshal(data, &p); err != nil {
			return plan.Plan{}, fmt.Errorf("failed to parse plan file: %w", err)
		}
		return p, nil
	}
	return parseSteps(steps)
}

func parseSteps(steps []string) (plan.Plan, error) {
	var p plan.Plan
	for _, s := range steps {
		agent, goal, ok := strings.Cut(s, ":")
		if !ok || strings.TrimSpace(agent) == "" {
			return plan.Plan{}, fmt.Errorf("invalid step %q: expected agent:goal", s)
		}
		p.Steps = append(p.Steps, plan.Step{Agent: strings.TrimSpace(agent), Goal: strings.TrimSpace(goal)})
	}
	return p, nil
}

func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid loop index %q", s)
	}
	return n, nil
}
