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

// Package scan orchestrates the mailbox scan: search the inbox for
// invoice candidates, stage attachments into object storage, run field
// extraction, record invoices and derive subscription suggestions.
// Individual messages fail soft — one bad attachment never sinks the
// batch.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/subtrack/ingestion/internal/gmail"
	"github.com/subtrack/ingestion/internal/invoice"
	"github.com/subtrack/ingestion/internal/models"
	"github.com/subtrack/ingestion/internal/suggestion"
)

// Defaults for the pipeline knobs; overridden from config.
const (
	DefaultWorkers    = 4
	DefaultPageCap    = 100
	DefaultWindowDays = 365
	DefaultTimeout    = 60 * time.Second
)

// TokenProvider hands out a valid access token for a user's mailbox.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context, userID string) (string, error)
}

// Mailbox is the provider-facing slice of the Gmail client.
type Mailbox interface {
	Search(ctx context.Context, accessToken, query string, pageCap int) ([]string, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*models.MessageRef, error)
	GetAttachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error)
}

// Deduper remembers which messages were already processed.
type Deduper interface {
	IsNew(ctx context.Context, userID, messageID string) (bool, error)
}

// DocumentStage copies attachment bytes into object storage and signs
// read URLs for them.
type DocumentStage interface {
	ObjectKey(userID, filename string) string
	Upload(ctx context.Context, key, contentType string, data []byte) error
	SignedURL(ctx context.Context, key string) (string, error)
}

// FieldExtractor runs AI extraction against a staged document.
type FieldExtractor interface {
	Extract(ctx context.Context, fileURL, fileName string) (*models.ExtractedFields, error)
}

// InvoiceRecorder persists a pending invoice from pipeline output.
type InvoiceRecorder interface {
	Record(ctx context.Context, userID string, msg models.MessageRef, documentKey string, extracted models.ExtractedFields) (*invoice.Invoice, error)
}

// SuggestionBuilder derives a pending suggestion from an invoice.
type SuggestionBuilder interface {
	Build(ctx context.Context, inv *invoice.Invoice) (*suggestion.Suggestion, error)
}

// Notifier publishes pipeline events. Both methods are best-effort.
type Notifier interface {
	ScanCompleted(ctx context.Context, userID string, summary models.ScanSummary) error
	SuggestionCreated(ctx context.Context, userID, suggestionID, serviceName string) error
}

// RuleSource supplies the user's enabled sender filters.
type RuleSource interface {
	SenderFilters(ctx context.Context, userID string) ([]string, error)
}

// Pipeline wires the scan stages together.
type Pipeline struct {
	tokens      TokenProvider
	mailbox     Mailbox
	dedup       Deduper
	stage       DocumentStage
	extractor   FieldExtractor
	invoices    InvoiceRecorder
	suggestions SuggestionBuilder
	notifier    Notifier
	rules       RuleSource

	workers    int
	pageCap    int
	windowDays int
	timeout    time.Duration
	now        func() time.Time
}

// PipelineConfig holds the pipeline's dependencies and knobs. Zero-value
// knobs fall back to the package defaults. Notifier and Rules may be nil.
type PipelineConfig struct {
	Tokens      TokenProvider
	Mailbox     Mailbox
	Dedup       Deduper
	Stage       DocumentStage
	Extractor   FieldExtractor
	Invoices    InvoiceRecorder
	Suggestions SuggestionBuilder
	Notifier    Notifier
	Rules       RuleSource

	Workers    int
	PageCap    int
	WindowDays int
	Timeout    time.Duration
	Now        func() time.Time
}

// NewPipeline creates a scan pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		tokens:      cfg.Tokens,
		mailbox:     cfg.Mailbox,
		dedup:       cfg.Dedup,
		stage:       cfg.Stage,
		extractor:   cfg.Extractor,
		invoices:    cfg.Invoices,
		suggestions: cfg.Suggestions,
		notifier:    cfg.Notifier,
		rules:       cfg.Rules,
		workers:     cfg.Workers,
		pageCap:     cfg.PageCap,
		windowDays:  cfg.WindowDays,
		timeout:     cfg.Timeout,
		now:         cfg.Now,
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.pageCap <= 0 {
		p.pageCap = DefaultPageCap
	}
	if p.windowDays <= 0 {
		p.windowDays = DefaultWindowDays
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Run scans one user's mailbox with the configured lookback window.
func (p *Pipeline) Run(ctx context.Context, userID string) (*models.ScanSummary, error) {
	return p.RunWindow(ctx, userID, p.windowDays)
}

// RunWindow scans one user's mailbox end to end and returns the summary.
// A non-positive windowDays falls back to the configured default. It
// fails hard only before any message work starts (no valid token,
// search failure); everything after that fails soft per message.
func (p *Pipeline) RunWindow(ctx context.Context, userID string, windowDays int) (*models.ScanSummary, error) {
	if windowDays <= 0 {
		windowDays = p.windowDays
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()

	token, err := p.tokens.EnsureValidToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mailbox token: %w", err)
	}

	var filters []string
	if p.rules != nil {
		filters, err = p.rules.SenderFilters(ctx, userID)
		if err != nil {
			slog.Warn("sender filters unavailable, scanning without",
				"user_id", userID, "error", err)
			filters = nil
		}
	}

	after := start.AddDate(0, 0, -windowDays)
	query := gmail.BuildQuery(after, filters)

	ids, err := p.mailbox.Search(ctx, token, query, p.pageCap)
	if err != nil {
		return nil, fmt.Errorf("mailbox search: %w", err)
	}

	slog.Info("scan started",
		"user_id", userID,
		"candidates", len(ids),
		"window_days", windowDays,
		"workers", p.workers,
	)

	outcomes := p.processAll(ctx, userID, token, ids)

	summary := models.Summarize(len(ids), outcomes)
	slog.Info("scan complete",
		"user_id", userID,
		"messages_found", summary.MessagesFound,
		"invoices_processed", summary.InvoicesProcessed,
		"suggestions_created", summary.SuggestionsCreated,
		"elapsed", p.now().Sub(start),
	)

	if p.notifier != nil {
		if err := p.notifier.ScanCompleted(ctx, userID, summary); err != nil {
			slog.Warn("scan notification failed", "user_id", userID, "error", err)
		}
	}

	return &summary, nil
}

// processAll fans the candidate messages out over a bounded worker pool
// and collects per-message outcomes in no particular order.
func (p *Pipeline) processAll(ctx context.Context, userID, token string, ids []string) []models.Outcome {
	jobs := make(chan string)
	results := make(chan models.Outcome)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				results <- p.processMessage(ctx, userID, token, id)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range ids {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var outcomes []models.Outcome
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// processMessage handles one candidate end to end. It never returns an
// error: failures are folded into the outcome so the batch keeps going.
func (p *Pipeline) processMessage(ctx context.Context, userID, token, messageID string) models.Outcome {
	out := models.Outcome{MessageID: messageID}

	if p.dedup != nil {
		isNew, err := p.dedup.IsNew(ctx, userID, messageID)
		if err != nil {
			slog.Warn("dedup check failed, processing anyway",
				"user_id", userID, "message_id", messageID, "error", err)
		} else if !isNew {
			out.Skipped = true
			out.Reason = "duplicate"
			return out
		}
	}

	msg, err := p.mailbox.GetMessage(ctx, token, messageID)
	if err != nil {
		slog.Warn("message fetch failed",
			"user_id", userID, "message_id", messageID, "error", err)
		out.Skipped = true
		out.Reason = "fetch_failed"
		return out
	}
	if msg == nil {
		out.Skipped = true
		out.Reason = "message_gone"
		return out
	}

	staged := 0
	for _, att := range msg.Attachments {
		if !gmail.AllowedFilename(att.Filename) {
			continue
		}
		if err := p.processAttachment(ctx, userID, token, *msg, att, &out); err != nil {
			slog.Warn("attachment processing failed",
				"user_id", userID,
				"message_id", messageID,
				"filename", att.Filename,
				"error", err,
			)
			continue
		}
		staged++
	}

	if staged == 0 && out.Invoices == 0 {
		out.Skipped = true
		out.Reason = "no_usable_attachments"
	}
	return out
}

// processAttachment stages one attachment, extracts fields from it and
// records the invoice plus its suggestion.
func (p *Pipeline) processAttachment(ctx context.Context, userID, token string, msg models.MessageRef, att models.AttachmentRef, out *models.Outcome) error {
	data, err := p.mailbox.GetAttachment(ctx, token, msg.ID, att.AttachmentID)
	if err != nil {
		return fmt.Errorf("download attachment: %w", err)
	}

	key := p.stage.ObjectKey(userID, att.Filename)
	if err := p.stage.Upload(ctx, key, att.MimeType, data); err != nil {
		return fmt.Errorf("stage document: %w", err)
	}

	fileURL, err := p.stage.SignedURL(ctx, key)
	if err != nil {
		return fmt.Errorf("sign document url: %w", err)
	}

	// No extraction, no invoice: a document the model could not read is
	// skipped, it is not recorded half-empty.
	extracted, err := p.extractor.Extract(ctx, fileURL, att.Filename)
	if err != nil {
		return fmt.Errorf("extract fields: %w", err)
	}
	if extracted == nil {
		return fmt.Errorf("extraction produced no fields")
	}

	inv, err := p.invoices.Record(ctx, userID, msg, key, *extracted)
	if err != nil {
		return fmt.Errorf("record invoice: %w", err)
	}
	out.Invoices++

	sg, err := p.suggestions.Build(ctx, inv)
	if err != nil {
		slog.Warn("suggestion build failed",
			"user_id", userID, "invoice_id", inv.ID, "error", err)
		return nil
	}
	if sg != nil {
		out.Suggestions++
		if p.notifier != nil {
			if err := p.notifier.SuggestionCreated(ctx, userID, sg.ID, sg.ServiceName); err != nil {
				slog.Warn("suggestion notification failed",
					"user_id", userID, "suggestion_id", sg.ID, "error", err)
			}
		}
	}
	return nil
}
