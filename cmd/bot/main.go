// Package main is the entry point for the signal coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/alerting"
	"github.com/ccruz0/crypto-2.0-sub006/internal/config"
	"github.com/ccruz0/crypto-2.0-sub006/internal/engine"
	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
	"github.com/ccruz0/crypto-2.0-sub006/internal/execution"
	"github.com/ccruz0/crypto-2.0-sub006/internal/metrics"
	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
	"github.com/ccruz0/crypto-2.0-sub006/internal/signal"
	"github.com/ccruz0/crypto-2.0-sub006/internal/throttle"
	"github.com/ccruz0/crypto-2.0-sub006/internal/trace"
)

// Version information (set by build flags).
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Signal Coordinator - Throttled Order Execution for Crypto Spot/Margin

Usage:
  coordinator <command> [options]

Commands:
  run        Start the coordinator
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  coordinator run --config config.yaml
  coordinator validate --config config.yaml

Use "coordinator <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("coordinator version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Watchlist symbols: %d\n", len(cfg.Watchlist))
	for _, s := range cfg.Watchlist {
		fmt.Printf("    %s trade=%v margin=%v leverage=%d amount=$%.2f cooldown=%s min_change=%s\n",
			s.Symbol, s.TradeEnabled, s.TradeOnMargin, s.Leverage, s.TradeAmountUSD,
			cfg.Cooldown(s), cfg.MinPriceChange(s).String())
	}
	fmt.Printf("  Eval interval: %s\n", cfg.EvalInterval())
	fmt.Printf("  Sync interval: %s\n", cfg.SyncInterval())
	fmt.Printf("  Database: %s\n", cfg.Persistence.Path)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Debug logging")
	fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("coordinator starting",
		"version", Version,
		"symbols", len(cfg.Watchlist),
		"database", cfg.Persistence.Path,
	)

	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	api := exchange.NewClient(exchange.Config{
		BaseURL:           cfg.Exchange.BaseURL,
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		RequestTimeout:    cfg.RequestTimeout(),
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		TransportRetries:  cfg.Exchange.TransportRetries,
		RetryBackoff:      cfg.RetryBackoff(),
	}, logger)

	if err := api.Ping(ctx); err != nil {
		slog.Error("exchange unreachable", "err", err)
		os.Exit(1)
	}

	alerter := buildAlerter(cfg, logger)
	recorder := metrics.NewRecorder()
	collector := alerting.NewSummaryCollector(time.Now())

	traces := trace.NewRecorder(repo, recorder, alerter, collector, logger)
	gate := throttle.NewGate(repo, logger)

	policy := execution.RetryPolicy{
		MaxAttempts: cfg.Exchange.TransportRetries,
		Backoff:     cfg.RetryBackoff(),
		Classify:    execution.DefaultPolicy().Classify,
	}
	orchestrator := execution.NewOrchestrator(api, repo, policy, nil, logger)
	poller := execution.NewPoller(api, nil, logger)
	poller.Interval = cfg.FillPollInterval()
	if cfg.Engine.FillPollAttempts > 0 {
		poller.MaxAttempts = cfg.Engine.FillPollAttempts
	}
	protector := execution.NewProtector(api, repo, nil, logger)

	// Signal ingestion is an external concern; a real deployment plugs a
	// feed adapter in here.
	source := buildSource()

	eng := engine.New(cfg, engine.Deps{
		API:          api,
		Repo:         repo,
		Source:       source,
		Gate:         gate,
		Orchestrator: orchestrator,
		Poller:       poller,
		Protector:    protector,
		Traces:       traces,
		Recorder:     recorder,
		Alerter:      alerter,
		Collector:    collector,
	}, logger)

	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  "/health",
		}, logger)
		srv.RegisterHealthCheck("database", func() metrics.Check {
			if err := repo.Ping(ctx); err != nil {
				return metrics.Check{Status: metrics.StatusUnhealthy, Message: err.Error()}
			}
			return metrics.Check{Status: metrics.StatusHealthy}
		})
		srv.RegisterHealthCheck("exchange", func() metrics.Check {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := api.Ping(pingCtx); err != nil {
				return metrics.Check{Status: metrics.StatusUnhealthy, Message: err.Error()}
			}
			return metrics.Check{Status: metrics.StatusHealthy}
		})
		if err := srv.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	if err := eng.Start(ctx); err != nil {
		slog.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	eng.Stop(shutdownCtx)
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}

	slog.Info("coordinator shutdown complete")
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		}
	}
	return multi
}

func buildSource() signal.Source {
	// Placeholder feed until an upstream adapter is configured.
	return signal.NewMockSource()
}
