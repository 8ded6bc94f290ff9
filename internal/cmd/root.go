package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/loopguard/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "loopguard",
	Short: "Bounded loop coordinator for planner/executor agents",
	Long: `loopguard keeps a planner/executor loop bounded and auditable.

It caps loop attempts and delegation depth per task, refuses plans that
repeat ones that already failed, classifies failures and routes retries
to a suitable agent, and holds tasks at checkpoints until they are
approved.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/loopguard/config.yaml)")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id for task commands")
	rootCmd.PersistentFlags().String("ledger", "", "ledger backend override (memory or sqlite)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("ledger.backend", rootCmd.PersistentFlags().Lookup("ledger"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// e.g. LOOPGUARD_CAPS_MAX_LOOPS_PER_TASK for caps.max_loops_per_task
	config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
