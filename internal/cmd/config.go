package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/loopguard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View loopguard configuration",
	Long: `View loopguard configuration.

Without arguments, displays the effective configuration after defaults,
the config file and LOOPGUARD_* environment variables are merged.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long:  `Write the default configuration to ~/.config/loopguard/config.yaml.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(w, "# config file: (none, using defaults)")
	}
	return printResult(w, cfg, true)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	header := "# loopguard configuration\n# Every key can also be set through LOOPGUARD_<SECTION>_<KEY>.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(w, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(w, "\nSearch paths:")
	fmt.Fprintf(w, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(w, "  2. ./config.yaml")
	fmt.Fprintln(w, "\nEnvironment variables: LOOPGUARD_* (e.g. LOOPGUARD_CAPS_MAX_LOOPS_PER_TASK)")
	return nil
}
