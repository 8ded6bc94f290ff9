package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/loopguard/internal/orchestrator"
)

var delegateCmd = &cobra.Command{
	Use:   "delegate <task-id> <from-agent> <to-agent>",
	Short: "Record a hand-off of work between agents",
	Long: `Record a hand-off of work between agents.

The edge's depth is derived from the edge that handed work to the
delegating agent. A --depth below the derived depth is raised to it. A
hand-off deeper than caps.max_delegation_depth is denied and not recorded.`,
	Args: cobra.ExactArgs(3),
	RunE: runDelegate,
}

func init() {
	delegateCmd.Flags().Int("depth", orchestrator.DeriveDepth, "proposed depth (default: derived)")
	delegateCmd.Flags().Bool("yaml", false, "print YAML instead of JSON")
	rootCmd.AddCommand(delegateCmd)
}

func runDelegate(cmd *cobra.Command, args []string) error {
	depth, _ := cmd.Flags().GetInt("depth")
	return withApp(func(a *app) error {
		a.warnEphemeral(cmd.ErrOrStderr())
		res, err := a.coord.ReportDelegation(cmd.Context(), orchestrator.DelegationRequest{
			Task:          taskKey(cmd, args[0]),
			From:          args[1],
			To:            args[2],
			ProposedDepth: depth,
		})
		if err != nil {
			return err
		}
		if err := printResult(cmd.OutOrStdout(), res, yamlFlag(cmd)); err != nil {
			return err
		}
		return res.Err()
	})
}
