package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator"
	"github.com/Iron-Ham/loopguard/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's loop history",
	Long: `Display the state of a task: loop attempts, delegation edges,
checkpoints, rejected plans and classified failures, with the counters
compared to the configured caps.

Without a task id, lists every task in the ledger.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "print the full status as YAML")
	statusCmd.Flags().Bool("json", false, "print the full status as JSON")
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	badgeStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	stateColors = map[orchestrator.State]lipgloss.Color{
		orchestrator.StateIdle:      "#6B7280",
		orchestrator.StateExecuting: "#3B82F6",
		orchestrator.StateSucceeded: "#10B981",
		orchestrator.StateRetry:     "#F59E0B",
		orchestrator.StateBlocked:   "#EF4444",
		orchestrator.StateHalted:    "#EF4444",
	}
	outcomeColors = map[ledger.Outcome]lipgloss.Color{
		ledger.OutcomePending: "#3B82F6",
		ledger.OutcomeSuccess: "#10B981",
		ledger.OutcomeFailed:  "#F59E0B",
		ledger.OutcomeBlocked: "#EF4444",
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	asYAML, _ := cmd.Flags().GetBool("yaml")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withApp(func(a *app) error {
		if len(args) == 0 {
			tasks, err := a.coord.Tasks(cmd.Context())
			if err != nil {
				return err
			}
			if asYAML || asJSON {
				return printResult(cmd.OutOrStdout(), tasks, asYAML)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks recorded")
				return nil
			}
			for _, t := range tasks {
				fmt.Fprintln(cmd.OutOrStdout(), t.String())
			}
			return nil
		}

		st, err := a.coord.Status(cmd.Context(), taskKey(cmd, args[0]))
		if err != nil {
			return err
		}
		if asYAML || asJSON {
			return printResult(cmd.OutOrStdout(), st, asYAML)
		}
		renderStatus(cmd.OutOrStdout(), st, terminalWidth())
		return nil
	})
}

func terminalWidth() int {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 40 {
			return w
		}
	}
	return 100
}

func stateBadge(s orchestrator.State) string {
	color, ok := stateColors[s]
	if !ok {
		color = "#8B5CF6"
	}
	return badgeStyle.Foreground(lipgloss.Color("#FFFFFF")).Background(color).Render(strings.ToUpper(string(s)))
}

func renderStatus(w io.Writer, st *orchestrator.TaskStatus, width int) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Task "+st.Task.String()), stateBadge(st.State))
	fmt.Fprintf(w, "Loops: %d/%d   Max depth: %d/%d", st.LoopsUsed, st.Limits.MaxLoopsPerTask, st.MaxDepth, st.Limits.MaxDelegationDepth)
	if st.Blocking {
		fmt.Fprint(w, "   "+stateBadge(orchestrator.StateBlocked)+" pending hard checkpoint")
	}
	if st.HaltedBy != "" {
		fmt.Fprintf(w, "   halted by checkpoint %q", st.HaltedBy)
	}
	fmt.Fprintln(w)

	if len(st.Attempts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Attempts"))
		for _, att := range st.Attempts {
			outcome := lipgloss.NewStyle().Foreground(outcomeColors[att.Outcome]).Render(fmt.Sprintf("%-8s", att.Outcome))
			verdict := string(att.GuardVerdict)
			if verdict == "" {
				verdict = "-"
			}
			line := fmt.Sprintf("  #%-3d %s %-10s %-5s %.2f  %s", att.Index, outcome, att.Agent, verdict, att.GuardScore, att.Summary)
			fmt.Fprintln(w, util.TruncateANSI(line, width))
		}
	}

	if len(st.Edges) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Delegations"))
		for _, e := range st.Edges {
			fmt.Fprintf(w, "  %s → %s %s\n", e.From, e.To, mutedStyle.Render(fmt.Sprintf("depth %d", e.Depth)))
		}
	}

	if len(st.Checkpoints) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Checkpoints"))
		for _, cp := range st.Checkpoints {
			line := fmt.Sprintf("  %-20s %-4s %-8s %s", cp.Name, cp.Kind, cp.Status, mutedStyle.Render(cp.ID))
			fmt.Fprintln(w, util.TruncateANSI(line, width))
		}
	}

	if len(st.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Failures"))
		for _, f := range st.Failures {
			line := fmt.Sprintf("  #%-3d %-26s → %-10s %s", f.LoopIndex, f.Type, f.SuggestedAgent, mutedStyle.Render(util.TruncateString(f.Evidence, 60)))
			fmt.Fprintln(w, util.TruncateANSI(line, width))
		}
	}

	if st.RetryState != nil && st.RetryState.Halted {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Retries halted: %s\n", st.RetryState.HaltReason)
	}
}
