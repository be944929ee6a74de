// tickvaultd is the tick storage engine daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tickvault/tickvault/internal/logging"
	"github.com/tickvault/tickvault/internal/metrics"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("validate config", "error", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel(), cfg.Logging.JSON)
	log := logging.Component("main")
	log.Info("tickvaultd starting", "version", Version, "data_dir", cfg.DataDir)

	svc, err := storage.New(cfg)
	if err != nil {
		log.Error("create storage service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Error("start storage service", "error", err)
		os.Exit(1)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
		metricsSrv.Start()
		log.Info("metrics listening", "port", cfg.Metrics.Port)
	}

	log.Info("tickvaultd ready", "timeframes", len(svc.Timeframes()))

	<-ctx.Done()
	log.Info("shutting down")

	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			log.Warn("metrics shutdown", "error", err)
		}
	}
	if err := svc.Stop(); err != nil {
		log.Error("stop storage service", "error", err)
		os.Exit(1)
	}
}
