// Command smartchart runs the OHLCV ingestor and its read API.
//
//	smartchart tickers   one ticker/symbol reconciliation cycle
//	smartchart sync      reconciliation plus a full kline backfill pass
//	smartchart serve     the read-only JSON API
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/smartchart/smartchart/internal/config"
	"github.com/smartchart/smartchart/internal/exchange/bybit"
	httpapi "github.com/smartchart/smartchart/internal/interfaces/http"
	"github.com/smartchart/smartchart/internal/ingest"
	"github.com/smartchart/smartchart/internal/persistence/mysql"
	"github.com/smartchart/smartchart/internal/ratelimit"
	"github.com/smartchart/smartchart/internal/telemetry/metrics"
)

var (
	cfgFile string
	verbose bool
	cfg     config.Config
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smartchart",
		Short: "Bybit OHLCV ingestor and chart API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			// Flags already parsed into cfg; file and environment fill in
			// everything the user did not set on the command line.
			mergeUnchanged(cmd.Flags(), &cfg, loaded)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cfg = config.Default()
	cfg.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(syncCmd(), tickersCmd(), serveCmd())
	return cmd
}

// mergeUnchanged copies loaded (file + env) values into dst for every
// setting whose flag was not given explicitly, so precedence is
// flag > env > file > default.
func mergeUnchanged(fs *pflag.FlagSet, dst *config.Config, loaded config.Config) {
	if !fs.Changed("db-host") {
		dst.DB.Host = loaded.DB.Host
	}
	if !fs.Changed("db-port") {
		dst.DB.Port = loaded.DB.Port
	}
	if !fs.Changed("db-user") {
		dst.DB.User = loaded.DB.User
	}
	if !fs.Changed("db-password") {
		dst.DB.Password = loaded.DB.Password
	}
	if !fs.Changed("db-name") {
		dst.DB.Database = loaded.DB.Database
	}
	if !fs.Changed("http-host") {
		dst.HTTP.Host = loaded.HTTP.Host
	}
	if !fs.Changed("http-port") {
		dst.HTTP.Port = loaded.HTTP.Port
	}
	if !fs.Changed("rps") {
		dst.RequestsPerSecond = loaded.RequestsPerSecond
	}
	if !fs.Changed("max-concurrent") {
		dst.MaxConcurrentRequests = loaded.MaxConcurrentRequests
	}
	dst.Exchange = loaded.Exchange
	dst.MaxRetries = loaded.MaxRetries
	dst.RetryDelay = loaded.RetryDelay
	dst.DefaultStartTimestamp = loaded.DefaultStartTimestamp
}

func setupLogging() {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the symbol universe, then backfill all candle tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			deps, err := buildDeps()
			if err != nil {
				return err
			}
			defer deps.store.Close()

			started := time.Now()
			if err := deps.reconciler.Run(ctx); err != nil {
				return fmt.Errorf("reconciling tickers: %w", err)
			}
			if err := deps.pipeline.Run(ctx); err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			log.Info().
				Dur("duration", time.Since(started)).
				Float64("request_success_ratio", deps.metrics.RequestSuccessRatio()).
				Msg("sync run complete")
			return nil
		},
	}
}

func tickersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickers",
		Short: "Run one ticker/symbol reconciliation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			deps, err := buildDeps()
			if err != nil {
				return err
			}
			defer deps.store.Close()

			return deps.reconciler.Run(ctx)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			deps, err := buildDeps()
			if err != nil {
				return err
			}
			defer deps.store.Close()

			serverCfg := httpapi.DefaultServerConfig()
			serverCfg.Host = cfg.HTTP.Host
			serverCfg.Port = cfg.HTTP.Port

			handlers := httpapi.NewHandlers(deps.store, deps.pipeline, deps.metrics)
			server := httpapi.NewServer(serverCfg, handlers, deps.metrics)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

type deps struct {
	store      *mysql.Store
	reconciler *ingest.Reconciler
	pipeline   *ingest.Pipeline
	metrics    *metrics.Registry
}

// buildDeps wires the full object graph from the loaded config.
func buildDeps() (*deps, error) {
	reg := metrics.New()

	store, err := mysql.Open(mysql.Config{
		Host:         cfg.DB.Host,
		Port:         cfg.DB.Port,
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Database:     cfg.DB.Database,
		MaxOpenConns: 2 * cfg.MaxConcurrentRequests,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
	}, reg)
	if err != nil {
		return nil, err
	}

	clientCfg := bybit.DefaultConfig()
	clientCfg.BaseURL = cfg.Exchange.BaseURL
	clientCfg.MaxRetries = cfg.MaxRetries
	client := bybit.New(clientCfg, ratelimit.New(cfg.RequestsPerSecond), reg)

	return &deps{
		store:      store,
		reconciler: ingest.NewReconciler(client, store, reg),
		pipeline:   ingest.NewPipeline(client, store, cfg.DefaultStartTimestamp, reg),
		metrics:    reg,
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
