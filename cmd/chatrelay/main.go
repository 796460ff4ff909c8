package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/chatrelay/internal/config"
	"github.com/codefionn/chatrelay/internal/generator"
	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/proxy"
	"github.com/codefionn/chatrelay/internal/session"
	"github.com/codefionn/chatrelay/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath = flag.String("config", "chatrelay.json", "path to the configuration file")
		addr       = flag.String("addr", "", "listen address, overrides the config file")
		model      = flag.String("model", "", "upstream model, overrides the config file")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error, none")
		watch      = flag.Bool("watch-config", false, "reload the config file on change")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags and environment override the file.
	if envLevel := strings.TrimSpace(os.Getenv("CHATRELAY_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *model != "" {
		cfg.Model = *model
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	gen, err := generator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create upstream client: %w", err)
	}
	logger.Info("Upstream: %s (%s), model %s", cfg.UpstreamProvider, cfg.UpstreamURL, gen.ModelName())

	store := session.NewStore(cfg.SessionTTL(), cfg.MaxSessions, cfg.HistoryMaxLength)
	go store.Run()
	defer store.Stop()

	prx := proxy.New(gen, cfg.MaxWorkers, cfg.RequestTimeout(), cfg.ShowReasoning)

	server := web.NewServer(cfg, store, prx)

	if *watch {
		// Only the log level can change at runtime; everything else
		// needs a restart.
		watcher, werr := config.NewWatcher(*configPath, func(next *config.Config) {
			logger.Global().SetLevel(logger.ParseLevel(next.LogLevel))
		})
		if werr != nil {
			return fmt.Errorf("failed to watch config: %w", werr)
		}
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}
