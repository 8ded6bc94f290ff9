package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/server"
	"github.com/Iron-Ham/loopguard/internal/tracing"
)

// Version is set at build time.
var Version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP coordinator",
	Long: `Run the loop coordinator behind an HTTP API.

The config file is watched while the server runs. Changes to caps, the
delusion guard, triage rules and the checkpoint policy are applied to new
requests; requests already running keep the values they started with.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	provider, err := tracing.NewProvider(a.cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.WithoutCancel(cmd.Context())) }()

	serverCfg := a.cfg.Server
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		serverCfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchConfig(a)

	srv := server.New(a.coord, serverCfg, a.reg,
		server.WithLogger(a.logger),
		server.WithVersion(Version),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "loopguard %s listening on %s (ledger: %s)\n", Version, serverCfg.Addr, a.cfg.Ledger.Backend)
	return srv.Run(ctx)
}

// watchConfig re-applies the config file to the coordinator whenever it
// changes. Invalid edits are logged and ignored.
func watchConfig(a *app) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	var mu sync.Mutex
	viper.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		a.reload(e.Name)
	})
	viper.WatchConfig()
}

func (a *app) reload(path string) {
	cfg, err := config.Load()
	if err != nil {
		a.logger.Warn("config reload rejected", "path", path, "error", err)
		return
	}
	if err := a.coord.ApplyConfig(cfg); err != nil {
		a.logger.Warn("config reload rejected", "path", path, "error", err)
		return
	}
	a.logger.Info("config reloaded", "path", path)
	a.bus.Publish(event.NewConfigReloadedEvent(path))
}
