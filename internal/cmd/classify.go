package cmd

import (
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [failure-signal]",
	Short: "Classify a failure signal without recording it",
	Long: `Classify a failure signal and print the failure report the coordinator
would record: the failure type, the rule that matched, a remediation plan
and the agent the retry would be routed to.

The signal is read from stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().String("task", "", "task id to attach to the report")
	classifyCmd.Flags().String("agent", "", "agent whose attempt failed")
	classifyCmd.Flags().Int("loop-index", -1, "loop index to attach to the report")
	classifyCmd.Flags().Bool("yaml", false, "print YAML instead of JSON")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	var signal string
	if len(args) == 1 {
		signal = args[0]
	} else {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
		if err != nil {
			return err
		}
		signal = strings.TrimSpace(string(data))
	}
	task, _ := cmd.Flags().GetString("task")
	agent, _ := cmd.Flags().GetString("agent")
	index, _ := cmd.Flags().GetInt("loop-index")

	return withApp(func(a *app) error {
		report := a.coord.Classify(taskKey(cmd, task), index, signal, agent)
		return printResult(cmd.OutOrStdout(), report, yamlFlag(cmd))
	})
}
