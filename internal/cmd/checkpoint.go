package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/loopguard/internal/ledger"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Open, resolve and list checkpoints",
	Long: `Checkpoints hold a task at a named point until an external actor
approves or rejects it.

A hard checkpoint blocks new loop attempts while pending. A soft
checkpoint is approved as soon as it is opened unless
checkpoints.soft_manual_review is set. Rejecting a checkpoint halts the
task.`,
}

var checkpointOpenCmd = &cobra.Command{
	Use:   "open <task-id> <name>",
	Short: "Open a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckpointOpen,
}

var checkpointResolveCmd = &cobra.Command{
	Use:   "resolve <checkpoint-id> <approved>",
	Short: "Approve (true) or reject (false) a pending checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckpointResolve,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <task-id>",
	Short: "List a task's checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointList,
}

func init() {
	checkpointOpenCmd.Flags().String("kind", string(ledger.KindHard), "checkpoint kind: hard or soft")
	checkpointOpenCmd.Flags().Bool("reuse", false, "return an existing checkpoint with the same name")
	checkpointResolveCmd.Flags().String("note", "", "resolution note")

	for _, c := range []*cobra.Command{checkpointOpenCmd, checkpointResolveCmd, checkpointListCmd} {
		c.Flags().Bool("yaml", false, "print YAML instead of JSON")
		checkpointCmd.AddCommand(c)
	}
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpointOpen(cmd *cobra.Command, args []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	kind, err := ledger.ParseCheckpointKind(kindFlag)
	if err != nil {
		return err
	}
	reuse, _ := cmd.Flags().GetBool("reuse")

	return withApp(func(a *app) error {
		a.warnEphemeral(cmd.ErrOrStderr())
		open := a.coord.OpenCheckpoint
		if reuse {
			open = a.coord.Gate
		}
		cp, err := open(cmd.Context(), taskKey(cmd, args[0]), args[1], kind)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), cp, yamlFlag(cmd))
	})
}

func runCheckpointResolve(cmd *cobra.Command, args []string) error {
	approved, err := strconv.ParseBool(args[1])
	if err != nil {
		return err
	}
	note, _ := cmd.Flags().GetString("note")

	return withApp(func(a *app) error {
		cp, err := a.coord.ResolveCheckpoint(cmd.Context(), args[0], approved, note)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), cp, yamlFlag(cmd))
	})
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		cps, err := a.coord.Checkpoints(cmd.Context(), taskKey(cmd, args[0]))
		if err != nil {
			return err
		}
		if cps == nil {
			cps = []ledger.Checkpoint{}
		}
		return printResult(cmd.OutOrStdout(), cps, yamlFlag(cmd))
	})
}
