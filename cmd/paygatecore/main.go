package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/walker77/paygate-core/internal/app"
	"github.com/walker77/paygate-core/internal/config"
	"github.com/walker77/paygate-core/internal/persist"
	"github.com/walker77/paygate-core/internal/upstream"
	"github.com/walker77/paygate-core/pkg/forwarder"
	"github.com/walker77/paygate-core/pkg/keystore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	var primary, canaryBackend forwarder.Backend
	if cfg.PrimaryUpstreamURL != "" {
		primary = upstream.New(cfg.PrimaryUpstreamURL, cfg.UpstreamTimeout)
	}
	if cfg.CanaryUpstreamURL != "" {
		canaryBackend = upstream.New(cfg.CanaryUpstreamURL, cfg.UpstreamTimeout)
	}

	core, err := app.Build(context.Background(), cfg, primary, canaryBackend)
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}

	var records []keystore.ApiKeyRecord
	if err := persist.LoadJSON(cfg.SnapshotPath, &records); err != nil {
		core.Logger.Warn("snapshot load skipped", "error", err, "path", cfg.SnapshotPath)
	}
	for _, rec := range records {
		core.KeyStore.Insert(rec)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := core.Start(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
