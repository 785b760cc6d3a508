// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Subtrack — Invoice Ingestion Service
//
// Entry point for the Go ingestion service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL, Redis and object storage
//  3. Wires the Gmail OAuth flow, scan pipeline and suggestion lifecycle
//  4. Serves the ingestion HTTP API
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/subtrack/ingestion/internal/audit"
	"github.com/subtrack/ingestion/internal/config"
	"github.com/subtrack/ingestion/internal/credential"
	"github.com/subtrack/ingestion/internal/dedup"
	"github.com/subtrack/ingestion/internal/gmail"
	"github.com/subtrack/ingestion/internal/invoice"
	"github.com/subtrack/ingestion/internal/notify"
	"github.com/subtrack/ingestion/internal/oauth"
	"github.com/subtrack/ingestion/internal/parser"
	"github.com/subtrack/ingestion/internal/scan"
	"github.com/subtrack/ingestion/internal/server"
	"github.com/subtrack/ingestion/internal/storage"
	"github.com/subtrack/ingestion/internal/subscription"
	"github.com/subtrack/ingestion/internal/suggestion"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting subtrack ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"scan_window_days", cfg.ScanWindowDays,
		"scan_workers", cfg.ScanWorkers,
		"scan_timeout", cfg.ScanTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := notify.NewPublisher(rdb, cfg.NotifyQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores (Postgres) ---
	creds, err := credential.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise credential store", "error", err)
		os.Exit(1)
	}
	invoices, err := invoice.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise invoice store", "error", err)
		os.Exit(1)
	}
	subs, err := subscription.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise subscription store", "error", err)
		os.Exit(1)
	}
	suggestions, err := suggestion.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise suggestion store", "error", err)
		os.Exit(1)
	}
	rules, err := scan.NewRuleStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise scan rule store", "error", err)
		os.Exit(1)
	}

	// --- Object Storage ---
	docs, err := storage.NewDocumentStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to initialise document store", "error", err)
		os.Exit(1)
	}

	// --- OAuth Flow ---
	auditLog, err := audit.NewLogger(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise audit log", "error", err)
		os.Exit(1)
	}
	flow := oauth.NewFlow(oauth.FlowConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		States:       creds,
		Credentials:  creds,
		Audit:        auditLog,
		StateTTL:     cfg.StateTTL,
	})
	guard := oauth.NewGuard(flow)

	// --- Pipeline ---
	mailbox := gmail.NewClient(&http.Client{Timeout: 30 * time.Second}, "")
	extractor := parser.NewExtractor(parser.Config{
		BaseURL: cfg.Extractor.BaseURL,
		APIKey:  cfg.Extractor.APIKey,
		Model:   cfg.Extractor.Model,
	})
	pipeline := scan.NewPipeline(scan.PipelineConfig{
		Tokens:      guard,
		Mailbox:     mailbox,
		Dedup:       dedup.NewFilter(rdb),
		Stage:       docs,
		Extractor:   extractor,
		Invoices:    invoice.NewRecorder(invoices),
		Suggestions: suggestion.NewBuilder(subs, suggestions),
		Notifier:    publisher,
		Rules:       rules,
		Workers:     cfg.ScanWorkers,
		PageCap:     cfg.ScanPageCap,
		WindowDays:  cfg.ScanWindowDays,
		Timeout:     cfg.ScanTimeout,
	})

	// --- HTTP API ---
	handler := server.NewHandler(server.HandlerConfig{
		Flow:        flow,
		Credentials: creds,
		Scanner:     pipeline,
		Extractor:   extractor,
		Invoices:    invoices,
		Suggestions: suggestions,
		Rules:       rules,
		Pool:        pgPool,
		Redis:       publisher,
		AppURL:      cfg.AppURL,
	})
	ready, err := server.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready

	// Expired pending auth states accumulate; sweep them periodically.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := creds.PurgeExpiredStates(ctx); err != nil {
					slog.Warn("auth state purge failed", "error", err)
				} else if n > 0 {
					slog.Info("purged expired auth states", "count", n)
				}
			}
		}
	}()

	slog.Info("ingestion service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	// Give in-flight requests a moment to finish before the pool closes.
	time.Sleep(2 * time.Second)
	slog.Info("shutdown complete")
}
