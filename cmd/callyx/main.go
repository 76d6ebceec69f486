// Command callyx is the realtime voice-call bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callyx-ai/callyx/internal/config"
	"github.com/callyx-ai/callyx/internal/kb"
	"github.com/callyx-ai/callyx/internal/observe"
	"github.com/callyx-ai/callyx/internal/server"
	"github.com/callyx-ai/callyx/internal/storage"
	"github.com/callyx-ai/callyx/internal/store"
	"github.com/callyx-ai/callyx/internal/telephony"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callyx: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callyx: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callyx starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Database ──────────────────────────────────────────────────────────────
	db, err := store.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("database connect failed", "error", err)
		return 1
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			slog.Error("migration failed", "error", err)
			return 1
		}
	}

	// ── Object storage ────────────────────────────────────────────────────────
	files, err := storage.NewS3(ctx, storage.S3Config{
		Bucket:   cfg.Storage.Bucket,
		Region:   cfg.Storage.Region,
		Endpoint: cfg.Storage.Endpoint,
		Prefix:   cfg.Storage.Prefix,
	})
	if err != nil {
		slog.Error("object storage init failed", "error", err)
		return 1
	}

	// ── Telephony ─────────────────────────────────────────────────────────────
	var phone *telephony.Client
	if cfg.Telephony.AccountSID != "" {
		opts := []telephony.Option{}
		if cfg.Telephony.BaseURL != "" {
			opts = append(opts, telephony.WithBaseURL(cfg.Telephony.BaseURL))
		}
		phone, err = telephony.New(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken, opts...)
		if err != nil {
			slog.Error("telephony init failed", "error", err)
			return 1
		}
	} else {
		slog.Warn("telephony not configured; phone calls and SMS are unavailable")
	}

	// ── Knowledge bases ───────────────────────────────────────────────────────
	var docs *kb.Service
	kbOpts := []kb.Option{}
	if cfg.Knowledge.Model != "" {
		kbOpts = append(kbOpts, kb.WithModel(cfg.Knowledge.Model))
	}
	if cfg.Knowledge.BaseURL != "" {
		kbOpts = append(kbOpts, kb.WithBaseURL(cfg.Knowledge.BaseURL))
	}
	docs, err = kb.New(cfg.Model.APIKey, db, kbOpts...)
	if err != nil {
		slog.Error("knowledge base init failed", "error", err)
		return 1
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := server.New(cfg, db, files, phone, docs, metrics)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server stopped", "error", err)
		return 1
	}
	slog.Info("callyx stopped")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
