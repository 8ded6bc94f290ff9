package cmd

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
	"github.com/Iron-Ham/loopguard/internal/metrics"
	"github.com/Iron-Ham/loopguard/internal/orchestrator"
)

// app is the set of components every command works against.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   ledger.Store
	bus     *event.Bus
	metrics *metrics.Metrics
	reg     *prometheus.Registry
	coord   *orchestrator.Coordinator
}

// newApp loads the configuration and builds the coordinator over the
// configured ledger.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Ledger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	bus := event.NewBus(event.WithLogger(logger))
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	m.Attach(bus)
	bus.Subscribe("checkpoint.*", auditCheckpoints(logger.WithComponent("audit")))

	coord, err := orchestrator.NewFromConfig(cfg, store, bus, logger)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		bus:     bus,
		metrics: m,
		reg:     reg,
		coord:   coord,
	}, nil
}

// Close releases the ledger and the log file.
func (a *app) Close() error {
	return stderrors.Join(a.store.Close(), a.logger.Close())
}

// warnEphemeral tells the user that one-shot commands against the memory
// ledger lose their records on exit.
func (a *app) warnEphemeral(w io.Writer) {
	if a.cfg.Ledger.Backend != "sqlite" {
		fmt.Fprintln(w, "warning: ledger backend is memory; records are discarded when this command exits (use --ledger sqlite)")
	}
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	if !cfg.Enabled {
		return logging.NopLogger(), nil
	}
	logger, err := logging.NewLoggerWithRotation(cfg.ResolveDir(), cfg.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func openStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := ledger.OpenSQLite(cfg.ResolvePath())
		if err != nil {
			return nil, err
		}
		return store, nil
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// auditCheckpoints records every human checkpoint decision.
func auditCheckpoints(logger *logging.Logger) event.Handler {
	return func(e event.Event) {
		switch ev := e.(type) {
		case event.CheckpointOpenedEvent:
			logger.WithProject(ev.ProjectID).WithTask(ev.TaskID).Info("checkpoint opened",
				"checkpoint_id", ev.CheckpointID, "name", ev.Name, "kind", ev.Kind)
		case event.CheckpointResolvedEvent:
			if ev.Auto {
				return
			}
			logger.WithProject(ev.ProjectID).WithTask(ev.TaskID).Info("checkpoint resolved",
				"checkpoint_id", ev.CheckpointID, "name", ev.Name, "approved", ev.Approved, "note", ev.Note)
		}
	}
}

// taskKey builds the task key from the --project flag and a task id.
func taskKey(cmd *cobra.Command, taskID string) ledger.TaskKey {
	project, _ := cmd.Flags().GetString("project")
	return ledger.Key(project, taskID)
}

// withApp runs fn with a freshly built app and closes it afterwards.
func withApp(fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
