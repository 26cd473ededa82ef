// Package main is the entry point for the scalping bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tathienbao/scalp-bot/internal/alerting"
	"github.com/tathienbao/scalp-bot/internal/config"
	"github.com/tathienbao/scalp-bot/internal/engine"
	"github.com/tathienbao/scalp-bot/internal/health"
	"github.com/tathienbao/scalp-bot/internal/ledger"
	"github.com/tathienbao/scalp-bot/internal/metrics"
	"github.com/tathienbao/scalp-bot/internal/notifier"
	"github.com/tathienbao/scalp-bot/internal/risk"
	"github.com/tathienbao/scalp-bot/internal/strategy"
	"github.com/tathienbao/scalp-bot/internal/supervisor"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(runBot(os.Args[1:], os.Stdout, os.Stderr))
}

// runBot dispatches a command and returns the process exit code.
func runBot(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "version", "-v", "--version":
		cmdVersion(stdout)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "validate":
		return cmdValidate(args[1:], stdout, stderr)
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return cmdRun(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Scalp Bot - Automated Perpetual Futures Scalping

Usage:
  scalp-bot <command> [options]

Commands:
  run        Start the bot
  validate   Validate configuration
  version    Show version information
  help       Show this help message

Examples:
  scalp-bot run
  scalp-bot run --config config.yaml
  scalp-bot validate --config config.yaml

Configuration is read from .env, an optional YAML file and the environment.`)
}

func cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "scalp-bot version %s\n", Version)
	fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
}

func parseConfigFlag(name string, args []string, stderr io.Writer) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "Path to optional YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *configPath, nil
}

func cmdValidate(args []string, stdout, stderr io.Writer) int {
	path, err := parseConfigFlag("validate", args, stderr)
	if err != nil {
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Configuration is valid!")
	fmt.Fprintf(stdout, "  Environment: %s\n", strings.ToUpper(cfg.Mode()))
	fmt.Fprintf(stdout, "  Symbol: %s\n", cfg.Trading.Symbol)
	fmt.Fprintf(stdout, "  Leverage: %dx\n", cfg.Trading.Leverage)
	fmt.Fprintf(stdout, "  Max position size: %g\n", cfg.Trading.MaxPositionSize)
	fmt.Fprintf(stdout, "  Database: %s\n", redactURL(cfg.Database.URL))
	fmt.Fprintf(stdout, "  Telegram: %t\n", cfg.TelegramEnabled())
	return 0
}

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	path, err := parseConfigFlag("run", args, stderr)
	if err != nil {
		return 1
	}

	// Nothing is created before the configuration validates.
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging, stdout)
	slog.SetDefault(logger)

	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	stopProfiling, err := startProfiling(cfg, logger)
	if err != nil {
		logger.Warn("continuous profiling disabled", "err", err)
	}
	defer stopProfiling()

	logger.Info("scalp-bot starting",
		"version", Version,
		"environment", strings.ToUpper(cfg.Mode()),
		"symbol", cfg.Trading.Symbol,
		"leverage", cfg.Trading.Leverage,
		"database", redactURL(cfg.Database.URL),
	)
	if cfg.Mode() == "live" {
		logger.Warn("LIVE TRADING MODE: real funds at risk")
	}

	store, err := ledger.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Error("failed to open ledger", "err", err)
		return 1
	}
	store = ledger.NewInstrumented(store, metrics.NewRecorder())

	sup, err := buildSupervisor(cfg, store, logger)
	if err != nil {
		logger.Error("failed to build subsystems", "err", err)
		_ = store.Close()
		return 1
	}

	code := make(chan int, 1)
	go func() { code <- sup.Run(ctx) }()

	select {
	case c := <-code:
		return c
	case <-ctx.Done():
	}

	// Bound the whole teardown in case a subsystem ignores its deadline.
	select {
	case c := <-code:
		logger.Info("scalp-bot shutdown complete", "exit_code", c)
		return c
	case <-time.After(cfg.ShutdownTimeout()):
		logger.Error("shutdown timed out", "timeout", cfg.ShutdownTimeout())
		return 1
	}
}

// buildSupervisor wires the subsystems. Registration order is stop order.
func buildSupervisor(cfg *config.Config, store ledger.Store, logger *slog.Logger) (*supervisor.Supervisor, error) {
	console := alerting.NewConsoleAlerter(logger)

	var outbound alerting.Alerter = console
	tradeAlerts := alerting.NewMultiAlerter(logger, console)
	if cfg.TelegramEnabled() {
		telegram := alerting.NewTelegramAlerter(alerting.TelegramConfig{
			BotToken:   cfg.Telegram.BotToken,
			ChatID:     cfg.Telegram.ChatID,
			RatePerSec: cfg.Telegram.RatePerSec,
			BaseURL:    cfg.Telegram.APIURL,
		})
		outbound = telegram
		tradeAlerts.AddAlerter(telegram)
	} else {
		logger.Warn("telegram not configured, notifications go to the log only")
	}

	eng := engine.NewEngine(engine.Config{
		Symbol:               cfg.Trading.Symbol,
		Timeframe:            cfg.Trading.Timeframe,
		Leverage:             cfg.Trading.Leverage,
		Interval:             cfg.DataFetchInterval(),
		MaxConsecutiveErrors: cfg.Engine.MaxConsecutiveErrors,
	}, store, risk.NewEngine(cfg.ToRiskConfig(), logger), strategy.Hold{}, tradeAlerts, logger)

	healthSrv := health.NewServer(health.Config{
		Addr:            cfg.HealthAddr(),
		Symbol:          cfg.Trading.Symbol,
		Leverage:        cfg.Trading.Leverage,
		MaxPositionSize: cfg.Trading.MaxPositionSize,
	}, eng, logger)
	healthSrv.RegisterHealthCheck("ledger", func(ctx context.Context) error {
		_, _, err := store.GetSetting(ctx, types.SettingTradingPaused)
		return err
	})

	notif, err := notifier.New(notifier.Config{
		BotToken:    cfg.Telegram.BotToken,
		ChatID:      cfg.Telegram.ChatID,
		Symbol:      cfg.Trading.Symbol,
		Mode:        cfg.Mode(),
		Leverage:    cfg.Trading.Leverage,
		SummaryCron: cfg.Telegram.SummaryCron,
		APIURL:      cfg.Telegram.APIURL,
	}, outbound, store, eng, logger)
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w", err)
	}

	sup := supervisor.New(supervisor.Config{StopTimeout: cfg.StopTimeout()}, store, notif, logger)
	for _, r := range []struct {
		sub  supervisor.Subsystem
		opts supervisor.Options
	}{
		{eng, supervisor.Options{}},
		{healthSrv, supervisor.Options{}},
		{notif, supervisor.Options{Detached: true}},
	} {
		if err := sup.Register(r.sub, r.opts); err != nil {
			return nil, err
		}
	}
	return sup, nil
}

// newLogger builds the process logger from the logging config. The auto
// format picks text for an interactive terminal and JSON otherwise.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactURL hides credentials in a connection string.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	return scheme + "://***@" + rest[at+1:]
}
