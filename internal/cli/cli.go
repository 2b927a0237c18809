// Package cli builds the xjogctl command tree: serve, chart get/create/send,
// and instances list.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/config"
	"github.com/xjog/xjog/internal/deferredevents"
	"github.com/xjog/xjog/internal/engine"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/logging"
	"github.com/xjog/xjog/internal/metrics"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/startup"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/store/postgres"
	"github.com/xjog/xjog/internal/store/sqlite"
	"github.com/xjog/xjog/pkg/serialization"
)

var cfgPath string

// BuildRootCommand assembles the xjogctl command tree.
func BuildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "xjogctl",
		Short: "Operate an xjog statechart execution engine",
		Long: `xjogctl runs and inspects an xjog engine instance backed by a
sqlite or postgres store. serve runs the engine as a long-lived process;
the chart and instances subcommands are one-shot operator tools that open
the configured store directly.`,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to xjog.toml (defaults, then env vars, apply if omitted)")

	root.AddCommand(buildServeCommand())
	root.AddCommand(buildChartCommand())
	root.AddCommand(buildInstancesCommand())
	return root
}

func openStore(cfg *config.Config) (store.PersistenceStore, store.JournalStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := postgres.Open(context.Background(), cfg.Store.DSN, patch.New())
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		st, err := sqlite.Open(cfg.Store.DSN, patch.New())
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, exposing /healthz and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	st, journal, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("xjogctl: open store: %w", err)
	}
	defer st.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	e := engine.New(engine.Options{
		SelfID:            cfg.Instance.SelfID,
		Store:             st,
		Journal:           journal,
		Serializer:        serialization.DefaultSerializer(),
		Log:               log,
		Metrics:           collector,
		ChartMutexTimeout: cfg.Instance.ChartMutexTimeout,
		CacheMutexTimeout: cfg.Instance.CacheMutexTimeout,
		Startup: startup.Options{
			AdoptionFrequency:        cfg.Startup.AdoptionFrequency,
			GracePeriod:              cfg.Startup.GracePeriod,
			OwnChartPollingFrequency: cfg.Startup.OwnChartPollingFrequency,
		},
		DeferredEvents: deferredevents.Options{
			Interval:  cfg.Deferred.Interval,
			LookAhead: cfg.Deferred.LookAhead,
			BatchSize: cfg.Deferred.BatchSize,
		},
	})

	if err := e.RegisterMachine("switch", switchMachine{}, engine.MachineOptions{
		CacheSize: cfg.Instance.CacheSize,
	}); err != nil {
		return fmt.Errorf("xjogctl: register switch machine: %w", err)
	}

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("xjogctl: start: %w", err)
	}
	log.Info().Str("phase", string(e.Phase())).Msg("engine ready")

	// Only the global zerolog level is hot-reloadable: log was already built
	// with its own level floor, so a reload can raise the effective
	// verbosity ceiling (silence noisy logs without a restart) but cannot
	// lower it below what serve started with.
	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, log, func(reloaded *config.Config) {
				level, err := zerolog.ParseLevel(reloaded.Log.Level)
				if err != nil {
					log.Warn().Err(err).Str("level", reloaded.Log.Level).Msg("config reload: invalid log level, keeping current")
					return
				}
				zerolog.SetGlobalLevel(level)
				log.Info().Str("level", level.String()).Msg("config reload: global log level updated")
			})
			if err != nil {
				log.Warn().Err(err).Str("path", cfgPath).Msg("config watcher stopped")
			}
		}()
	}

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok\n"))
		})
		httpServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}

	if err := e.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("xjogctl: shutdown: %w", err)
	}
	log.Info().Msg("engine halted")
	return nil
}

func buildChartCommand() *cobra.Command {
	chart := &cobra.Command{
		Use:   "chart",
		Short: "Inspect or drive charts",
	}
	chart.AddCommand(buildChartGetCommand())
	chart.AddCommand(buildChartCreateCommand())
	chart.AddCommand(buildChartSendCommand())
	return chart
}

func buildChartGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <machine-id> <chart-id>",
		Short: "Print a chart's persisted state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ref := chartref.New(args[0], args[1])
			c, err := st.ReadChart(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
}

func buildChartCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <chart-id>",
		Short: "Create a new chart of the built-in switch machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDemoEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				state, err := e.CreateChart(ctx, "switch", args[0], nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, state)
			})
		},
	}
}

func buildChartSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <chart-id> <event-type>",
		Short: "Send an event to a switch-machine chart",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDemoEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				ref := chartref.New("switch", args[0])
				state, err := e.Send(ctx, ref, evaluator.Event{Type: args[1]}, nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, state)
			})
		},
	}
}

// withDemoEngine builds a short-lived engine registered with only the
// built-in switch machine, runs fn against it, then drains it back to
// halted. Adoption completes immediately against a store with no other
// live instance, so this is safe to run as a one-shot CLI operation.
func withDemoEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	st, journal, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	e := engine.New(engine.Options{
		SelfID:     cfg.Instance.SelfID,
		Store:      st,
		Journal:    journal,
		Serializer: serialization.DefaultSerializer(),
		Log:        log,
	})
	if err := e.RegisterMachine("switch", switchMachine{}, engine.MachineOptions{}); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("xjogctl: start: %w", err)
	}
	defer e.Shutdown(context.Background())

	return fn(ctx, e)
}

func buildInstancesCommand() *cobra.Command {
	instances := &cobra.Command{
		Use:   "instances",
		Short: "Inspect instances",
	}
	instances.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every instance row, alive or dying",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	})
	return instances
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
