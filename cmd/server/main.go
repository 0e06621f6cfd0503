// Package main is the entry point for the quotefeed server: a wire-protocol
// datafeed serving tick, minute, day and dividend/sector history out of a
// two-tier archive store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/quotefeed/internal/adapters"
	"github.com/atlas-desktop/quotefeed/internal/adminhttp"
	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/internal/feedhandler"
	"github.com/atlas-desktop/quotefeed/internal/feedserver"
	"github.com/atlas-desktop/quotefeed/internal/marketstore"
	"github.com/atlas-desktop/quotefeed/internal/metrics"
	"github.com/atlas-desktop/quotefeed/internal/scheduler"
	"github.com/atlas-desktop/quotefeed/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to quotefeed.yaml")
	port := flag.Int("port", 0, "Wire protocol listen port (overrides config)")
	dataDir := flag.String("datadir", "", "Archive data directory (overrides config)")
	rdb := flag.Bool("rdb", false, "RDB backend toggle (overrides config); only recorded in the config, the store always uses dstore.dump")
	metricsPort := flag.Int("metrics-port", 0, "Admin HTTP port (overrides config)")
	authPassword := flag.String("auth-password", "", "Wire protocol auth password (overrides config and env)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(config.Overrides{
		ConfigPath:   *configPath,
		Port:         *port,
		DataDir:      *dataDir,
		MetricsPort:  *metricsPort,
		AuthPassword: *authPassword,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotefeed: config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "rdb" {
			cfg.Server.EnableRDB = *rdb
		}
	})

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting quotefeed",
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.Server.DataDir),
		zap.Int("adminPort", cfg.Admin.Port),
		zap.String("timezone", cfg.Calendar.Timezone),
	)

	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		logger.Fatal("failed to build trading calendar", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	array, err := marketstore.NewFileArrayStore(filepath.Join(cfg.Server.DataDir, "data.h5"), cal)
	if err != nil {
		logger.Fatal("failed to open array store", zap.Error(err))
	}

	kv, err := marketstore.OpenKVStore(filepath.Join(cfg.Server.DataDir, "dstore.dump"))
	if err != nil {
		logger.Fatal("failed to open kv store", zap.Error(err))
	}

	store := marketstore.NewStoreManager(logger, cal, array, kv)

	var dividendFeed adapters.DividendFeed
	if cfg.Server.DividendFeedURL != "" {
		dividendFeed = &adapters.HTTPDividendFeed{URL: cfg.Server.DividendFeedURL}
	}
	var sectorFeed adapters.SectorFeed
	if cfg.Server.SectorFeedURL != "" {
		sectorFeed = &adapters.HTTPSectorFeed{URL: cfg.Server.SectorFeedURL}
	}
	sched := scheduler.New(logger, cal, store, dividendFeed, sectorFeed)

	handler := feedhandler.New(logger, store, sched, cal, cfg.Server.AuthPassword)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metricsReg := metrics.NewRegistry(registry)
	handler.SetMetrics(metricsReg)
	sched.SetMetrics(metricsReg)

	srv := feedserver.New(logger, feedserver.Config{
		Port:        cfg.Server.Port,
		ReadTimeout: cfg.Server.ReadTimeout,
	}, handler)
	srv.SetMetrics(metricsReg)

	var adminSrv *adminhttp.Server
	if cfg.Admin.Enabled {
		adminSrv = adminhttp.New(logger, adminhttp.Config{
			Host:         "0.0.0.0",
			Port:         cfg.Admin.Port,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}, store, registry)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx, time.Second)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error("feed server stopped with error", zap.Error(err))
		}
	}()

	if adminSrv != nil {
		go func() {
			if err := adminSrv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server stopped with error", zap.Error(err))
			}
		}()
	}

	logger.Info("quotefeed started",
		zap.String("wire", fmt.Sprintf("tcp://0.0.0.0:%d", cfg.Server.Port)),
		zap.String("admin", fmt.Sprintf("http://0.0.0.0:%d", cfg.Admin.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if adminSrv != nil {
		if err := adminSrv.Stop(shutdownCtx); err != nil {
			logger.Error("error during admin server shutdown", zap.Error(err))
		}
	}

	if err := store.Close(); err != nil {
		logger.Error("error flushing store on shutdown", zap.Error(err))
	}

	logger.Info("quotefeed stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
