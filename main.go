package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/core"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/relay"
	"chatrelay/internal/store"
	"chatrelay/internal/telemetry"
	"chatrelay/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		cfg, err := config.Load(flag.NewFlagSet("chatrelay", flag.ExitOnError), nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		handled, err := RunCLI(ctx, os.Args[1:], cfg.StoreURL, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !handled {
			fmt.Fprintf(os.Stderr, "unknown command %q (try version, status, history)\n", os.Args[1])
			os.Exit(2)
		}
		return
	}

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(flag.CommandLine, args)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "store", redactURL(cfg.StoreURL))

	shutdownTracing, err := telemetry.Setup(ctx, "chatrelay", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	msgs, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}

	engine := relay.New(core.NewRegistry(), msgs,
		relay.WithHistoryLimit(cfg.HistoryLimit),
		relay.WithSendBuffer(cfg.SendBuffer),
	)

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go relay.RunStats(ctx, engine, cfg.StatsInterval)
	if cfg.TestBotRoom != "" {
		go relay.RunTestBot(ctx, engine, cfg.TestBotRoom, cfg.TestBotInterval)
	}

	wtErr := make(chan error, 1)
	if cfg.WTAddr != "" {
		tlsCfg, fingerprint, err := wt.GenerateTLSConfig(wt.DefaultCertValidity, cfg.WTHost)
		if err != nil {
			_ = msgs.Close(context.Background())
			return fmt.Errorf("webtransport tls: %w", err)
		}
		slog.Info("webtransport certificate", "sha256", fingerprint)
		go func() { wtErr <- wt.NewServer(cfg.WTAddr, tlsCfg, engine).Run(ctx) }()
	}

	httpErr := make(chan error, 1)
	go func() { httpErr <- httpapi.New(engine, msgs).Run(ctx, cfg.Addr) }()

	// Both transports stop with ctx; Run returns once the HTTP server has shut down.
	var runErr error
	select {
	case runErr = <-httpErr:
		cancelRun()
	case runErr = <-wtErr:
		cancelRun()
		<-httpErr
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		runErr = <-httpErr
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Close(shutCtx); err != nil {
		slog.Warn("relay close", "err", err)
	}
	if err := msgs.Close(shutCtx); err != nil {
		slog.Error("close store", "err", err)
	}
	if err := shutdownTracing(shutCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
	return runErr
}

func setupLogging(cfg config.Config) {
	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// redactURL drops credentials from a store URL before it is logged.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return raw
}
