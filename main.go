package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"netprobe/config"
	"netprobe/internal/api"
	"netprobe/internal/engine"
	"netprobe/internal/logger"
	"netprobe/internal/reporter"
	"netprobe/internal/session"
	"netprobe/internal/sink"
	pgsink "netprobe/internal/sink/postgres"
	pubsubsink "netprobe/internal/sink/pubsub"
	"netprobe/pkg/checkpoint"
	"netprobe/pkg/utils"
)

// main is the entry point for the port scanner application.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		return 1
	}

	appLogger, closeLogFile, err := logger.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Printf("Logger error: %v\n", err)
		return 1
	}
	defer closeLogFile()
	slog.SetDefault(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(appLogger)
	eng.MaxPorts = cfg.MaxPorts

	var sinkWg sync.WaitGroup
	hooks, closeSinks, err := openSinks(ctx, cfg, &sinkWg, appLogger)
	if err != nil {
		appLogger.Error("Failed to open result sinks.", "error", err)
		return 1
	}
	defer func() {
		sinkWg.Wait()
		closeSinks()
	}()

	if cfg.Serve() {
		appLogger.Info("Configuration loaded.", "mode", "serve", "addr", cfg.ListenAddr, "max_ports", cfg.MaxPorts, "api_rate", cfg.APIRatePerMinute)
		srv := api.NewServer(eng, cfg.APIRatePerMinute, appLogger, hooks...)
		if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
			appLogger.Error("API server stopped.", "error", err)
			return 1
		}
		return 0
	}
	return scan(ctx, cfg, eng, hooks, appLogger)
}

// scan runs one scan from the command line and reports it.
func scan(ctx context.Context, cfg *config.Config, eng *engine.Engine, hooks []func(*session.Session), appLogger *slog.Logger) int {
	scanCfg := cfg.ScanConfig()

	if cfg.ResumeFile != "" {
		appLogger.Info("Attempting to resume scan", "file", cfg.ResumeFile)
		state, err := checkpoint.LoadState(cfg.ResumeFile)
		if err != nil {
			appLogger.Error("Failed to load checkpoint file.", "file", cfg.ResumeFile, "error", err)
			return 1
		}
		scanCfg.Target = state.Target
		scanCfg.ScanType = state.ScanType
		scanCfg.PortSpec = state.Ports
		appLogger.Info("Resuming scan.", "target", state.Target, "scan_type", state.ScanType, "ports", state.Ports, "saved_at", state.SavedAt)
	}

	appLogger.Info("Configuration loaded.", "target", scanCfg.Target, "scan_type", scanCfg.ScanType, "concurrency", scanCfg.Concurrency, "ping", scanCfg.Ping)
	utils.CheckFileDescriptorLimit(appLogger, scanCfg.Concurrency)

	var reporterWg sync.WaitGroup
	if cfg.StreamFile != "" {
		hooks = append(hooks, func(sess *session.Session) {
			events := sess.Subscribe()
			reporterWg.Add(1)
			go reporter.New(ctx, &reporterWg, events, cfg.StreamFile, appLogger).Run()
		})
	}

	startTime := time.Now()
	sess, err := eng.StartScan(ctx, scanCfg, hooks...)
	if err != nil {
		appLogger.Error("Scan could not start.", "error", err)
		return 1
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		appLogger.Info("Shutdown signal received. Saving state...")
		eng.CancelScan(sess)
		<-sess.Done()
		saveCheckpoint(sess, cfg.CheckpointFile, appLogger)
	}
	reporterWg.Wait()

	snap := sess.Snapshot()
	reporter.PrintTable(os.Stdout, snap, cfg.ShowClosed)

	if cfg.OutputFile != "" {
		format, err := reporter.ParseFormat(cfg.Format)
		if err == nil {
			err = reporter.ExportFile(cfg.OutputFile, format, snap)
		}
		if err != nil {
			appLogger.Error("Failed to export results.", "file", cfg.OutputFile, "error", err)
			return 1
		}
		appLogger.Info("Results exported.", "file", cfg.OutputFile, "format", format)
	}

	appLogger.Info("Scan complete.", "status", snap.Status, "duration", time.Since(startTime))
	if snap.Status == session.StatusFailed {
		appLogger.Error("Scan failed.", "error", snap.Error)
		return 1
	}
	return 0
}

func saveCheckpoint(sess *session.Session, path string, appLogger *slog.Logger) {
	remaining := sess.Remaining()
	if len(remaining) == 0 || path == "" {
		appLogger.Debug("Nothing to checkpoint.", "remaining", len(remaining))
		return
	}
	if err := checkpoint.SaveState(sess.Config.Target, sess.Config.ScanType, remaining, path); err != nil {
		appLogger.Error("Failed to save checkpoint", "error", err)
		return
	}
	appLogger.Info("Checkpoint saved", "file", path, "remaining_ports", len(remaining))
}

// openSinks connects the configured result stores and returns one session
// hook per store. Each hook drains a subscription on its own goroutine.
func openSinks(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup, appLogger *slog.Logger) ([]func(*session.Session), func(), error) {
	var writers []sink.Writer
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.DatabaseURL != "" {
		repo, err := pgsink.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("postgres: %w", err)
		}
		writers = append(writers, repo)
		closers = append(closers, repo.Close)
		appLogger.Info("Postgres sink enabled.")
	}
	if cfg.PubSubProject != "" {
		pub, err := pubsubsink.Open(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("pubsub: %w", err)
		}
		writers = append(writers, pub)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				appLogger.Warn("Closing Pub/Sub publisher failed.", "error", err)
			}
		})
		appLogger.Info("Pub/Sub sink enabled.", "project", cfg.PubSubProject, "topic", cfg.PubSubTopic)
	}

	hooks := make([]func(*session.Session), 0, len(writers))
	for _, w := range writers {
		hooks = append(hooks, func(sess *session.Session) {
			events := sess.Subscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				sink.Run(ctx, sess, events, w, appLogger)
			}()
		})
	}
	return hooks, closeAll, nil
}
