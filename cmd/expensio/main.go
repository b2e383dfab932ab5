package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/expensio/expensio/internal/api"
	"github.com/expensio/expensio/internal/blob"
	"github.com/expensio/expensio/internal/capture"
	"github.com/expensio/expensio/internal/config"
	"github.com/expensio/expensio/internal/ledger"
	"github.com/expensio/expensio/internal/recognition"
	"github.com/expensio/expensio/internal/report"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	version    = "dev"
)

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting expensio", zap.String("version", version), zap.String("data_dir", cfg.Storage.DataDir))

	badgerPath := cfg.Storage.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.Storage.DataDir, "badger")
	}
	blobs, err := blob.Open(badgerPath, cfg.Storage.BadgerGCSpec, logger)
	if err != nil {
		logger.Fatal("Failed to open blob store", zap.Error(err))
	}
	defer blobs.Close()

	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "ledger.db")
	}
	ledgerStore, err := ledger.Open(sqlitePath, blobs, logger)
	if err != nil {
		logger.Fatal("Failed to open ledger", zap.Error(err))
	}

	captureCtrl := capture.NewController(nil, capture.Config{
		Oversample:  cfg.Capture.Oversample,
		JPEGQuality: cfg.Capture.JPEGQuality,
		SettleDelay: time.Duration(cfg.Capture.SettleDelayMS) * time.Millisecond,
	}, logger)

	recognizer := recognition.NewAdapter(recognition.NewClient(cfg.Recognition), cfg.Recognition, logger)
	assembler := report.New(blobs, logger)

	server := api.New(cfg, ledgerStore, blobs, captureCtrl, recognizer, assembler, logger)

	// Letterhead edits apply to the next export without a restart.
	cfg.WatchReport(logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("Server stopped", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
}
