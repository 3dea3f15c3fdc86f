package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/arc-archive/arc-datastore/aggregator"
	"github.com/arc-archive/arc-datastore/aggregator/mongostore"
	"github.com/arc-archive/arc-datastore/collector"
	"github.com/arc-archive/arc-datastore/config"
	"github.com/arc-archive/arc-datastore/period"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "hits",
		Short:         "Anonymous usage analytics: sessions, rollups and queries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("HITS_CONFIG"), "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newRollupCmd(&configPath))
	root.AddCommand(newShowCmd(&configPath))
	root.AddCommand(newQueryCmd(&configPath))
	return root
}

// app bundles what every command needs.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	backend aggregator.Backend
	offsets aggregator.OffsetStore
	engine  *aggregator.Engine
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	offsets, ok := backend.(aggregator.OffsetStore)
	if !ok {
		backend.Close()
		return nil, fmt.Errorf("backend %s cannot store read offsets", cfg.Backend)
	}

	weekStart, _ := cfg.WeekStart()
	engine := aggregator.NewEngine(backend, aggregator.EngineOptions{
		Namespace: cfg.Namespace,
		Calendar:  period.Calendar{FirstDayOfWeek: weekStart},
		Budget: aggregator.Budget{
			MaxItems: cfg.RollupMaxItems,
			Timeout:  cfg.RollupBudgetTimeout(),
		},
		Queue: aggregator.QueueOptions{
			Workers:    cfg.QueueWorkers,
			Capacity:   cfg.QueueCapacity,
			MaxRetries: uint64(cfg.QueueMaxRetries),
		},
		Logger: logger,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		offsets: offsets,
		engine:  engine,
	}, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (aggregator.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return aggregator.NewMemoryStore(), nil
	case config.BackendMongo:
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return aggregator.NewStore(cfg.DBPath)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics API, the OTLP collector and the background rollups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log := logrus.NewEntry(a.logger)
	a.engine.Start(ctx)

	api := aggregator.NewAPIServer(a.cfg.APIPort, a.engine, log)
	errChan := make(chan error, 2)
	go func() { errChan <- api.Start() }()

	var col *collector.Server
	var processor *aggregator.Processor
	if a.cfg.CollectorEnabled {
		var err error
		col, err = collector.NewServer(a.cfg, log)
		if err != nil {
			a.engine.Close()
			return err
		}
		go func() { errChan <- col.Start() }()

		processor = aggregator.NewProcessor(a.cfg.OutputDir, a.offsets, a.engine,
			time.Duration(a.cfg.ProcessingInterval)*time.Second, log)
		processor.Watch(a.cfg.HitsFileName)
		processor.Start(ctx)
	}

	var scheduler *aggregator.Scheduler
	if a.cfg.SchedulerEnabled {
		scheduler = aggregator.NewScheduler(a.engine, time.Duration(a.cfg.SchedulerInterval)*time.Second, log)
		scheduler.Start(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-errChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	if processor != nil {
		processor.Stop()
	}
	err := multierr.Append(runErr, api.Shutdown(shutdownCtx))
	if col != nil {
		err = multierr.Append(err, col.Shutdown(shutdownCtx))
	}
	err = multierr.Append(err, a.engine.Close())
	if err == nil {
		log.Info("Stopped gracefully")
	}
	return err
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.engine.Close()

			store, ok := a.backend.(*aggregator.Store)
			if !ok {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "backend %s has no migrations\n", a.cfg.Backend)
				return nil
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			version, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

func newRollupCmd(configPath *string) *cobra.Command {
	var due bool

	cmd := &cobra.Command{
		Use:   "rollup [daily|weekly|monthly <date>]",
		Short: "Compute and store a period aggregate",
		Args: func(cmd *cobra.Command, args []string) error {
			if due {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.engine.Close()

			var reqs []period.Request
			if due {
				reqs = a.engine.Calendar().Eligible(time.Now().UTC())
			} else {
				kind, err := period.ParseKind(args[0])
				if err != nil {
					return err
				}
				reqs = append(reqs, period.Request{Kind: kind, Key: args[1]})
			}

			var errs error
			for _, req := range reqs {
				agg, outcome, err := a.engine.Rollup(cmd.Context(), req.Kind, req.Key)
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", req, err))
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s sessions=%d users=%d\n",
					agg.Kind, agg.Key, outcome, agg.SessionCount, agg.UserCount)
			}
			return errs
		},
	}
	cmd.Flags().BoolVar(&due, "due", false, "roll up every period that is due today")
	return cmd
}

func newShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <daily|weekly|monthly> <date>",
		Short: "Print a stored period aggregate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.engine.Close()

			kind, err := period.ParseKind(args[0])
			if err != nil {
				return err
			}
			agg, err := a.engine.GetPeriodAggregate(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, agg)
		},
	}
}

func newQueryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "query <start> <end>",
		Short: "Count sessions and users over a custom range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.engine.Close()

			start, err := period.ParseInstant(args[0], time.UTC)
			if err != nil {
				return err
			}
			end, err := period.ParseInstant(args[1], time.UTC)
			if err != nil {
				return err
			}
			if len(args[1]) == len(period.DayLayout) {
				end = period.Day(end).End
			}

			totals, err := a.engine.QueryRange(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			return printJSON(cmd, totals)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
