package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"workerbus/internal/api"
	"workerbus/internal/app"
	"workerbus/internal/config"
	"workerbus/internal/metrics"
)

type flags struct {
	configFile string
	addr       string
	dbPath     string
	logLevel   string
	debug      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:          "workerbus",
		Short:        "Isolated workers coordinating over an in-process message bus",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&f.configFile, "config", "c", "", "config file path (YAML)")
	root.PersistentFlags().StringVar(&f.addr, "addr", "", "HTTP bind address")
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite DB path")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the workers and the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return runServer(cfg, f.debug)
		},
	}
	run.Flags().BoolVar(&f.debug, "debug", false, "expose /debug/pprof")

	show := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	root.AddCommand(run, show)
	return root
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.Log.Level))
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func runServer(cfg *config.Config, debug bool) error {
	setupLogging(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	a, err := app.New(cfg, log.Logger, m)
	if err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServerWithDebug(a, a.Gateway, m.Handler(), debug),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server")
			cancel()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	if err := <-runDone; err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
