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

// Subtrack — Mailbox Scan Command
//
// Standalone CLI that runs the invoice scan pipeline for one connected
// user, or for every connected user, without going through the HTTP
// API. Intended for seeding data on new deployments and for cron-style
// periodic scans.
//
// Usage:
//
//	go run ./cmd/scan/ --user <user-id> [--days 365]
//	go run ./cmd/scan/ --all [--days 30]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
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

	// --- CLI Flags ---
	userFlag := flag.String("user", "", "User ID to scan")
	allFlag := flag.Bool("all", false, "Scan every connected user")
	daysFlag := flag.Int("days", 0, "Lookback window in days (0 = configured default)")
	flag.Parse()

	if *userFlag == "" && !*allFlag {
		fmt.Fprintf(os.Stderr, "Error: either --user or --all is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Stores ---
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
	docs, err := storage.NewDocumentStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to initialise document store", "error", err)
		os.Exit(1)
	}
	auditLog, err := audit.NewLogger(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise audit log", "error", err)
		os.Exit(1)
	}

	// --- Pipeline ---
	flow := oauth.NewFlow(oauth.FlowConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		States:       creds,
		Credentials:  creds,
		Audit:        auditLog,
		StateTTL:     cfg.StateTTL,
	})
	pipeline := scan.NewPipeline(scan.PipelineConfig{
		Tokens:      oauth.NewGuard(flow),
		Mailbox:     gmail.NewClient(&http.Client{Timeout: 30 * time.Second}, ""),
		Dedup:       dedup.NewFilter(rdb),
		Stage:       docs,
		Extractor: parser.NewExtractor(parser.Config{
			BaseURL: cfg.Extractor.BaseURL,
			APIKey:  cfg.Extractor.APIKey,
			Model:   cfg.Extractor.Model,
		}),
		Invoices:    invoice.NewRecorder(invoices),
		Suggestions: suggestion.NewBuilder(subs, suggestions),
		Notifier:    publisher,
		Rules:       rules,
		Workers:     cfg.ScanWorkers,
		PageCap:     cfg.ScanPageCap,
		WindowDays:  cfg.ScanWindowDays,
		Timeout:     cfg.ScanTimeout,
	})

	// --- Resolve users ---
	var users []string
	if *userFlag != "" {
		users = []string{*userFlag}
	} else {
		users, err = creds.ListUserIDs(ctx)
		if err != nil {
			slog.Error("failed to list connected users", "error", err)
			os.Exit(1)
		}
	}
	if len(users) == 0 {
		slog.Info("no connected users to scan")
		return
	}

	slog.Info("starting mailbox scan", "users", len(users), "days", *daysFlag)

	failures := 0
	for _, userID := range users {
		summary, err := pipeline.RunWindow(ctx, userID, *daysFlag)
		if err != nil {
			slog.Error("scan failed", "user_id", userID, "error", err)
			failures++
			continue
		}
		slog.Info("scan finished",
			"user_id", userID,
			"messages_found", summary.MessagesFound,
			"invoices_processed", summary.InvoicesProcessed,
			"suggestions_created", summary.SuggestionsCreated,
		)
	}

	if failures > 0 {
		slog.Error("scan completed with failures", "failed_users", failures)
		os.Exit(1)
	}
}
