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

package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/subtrack/ingestion/internal/invoice"
	"github.com/subtrack/ingestion/internal/models"
	"github.com/subtrack/ingestion/internal/suggestion"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) EnsureValidToken(_ context.Context, _ string) (string, error) {
	return f.token, f.err
}

type fakeMailbox struct {
	mu       sync.Mutex
	ids      []string
	messages map[string]*models.MessageRef
	data     map[string][]byte
}

func (f *fakeMailbox) Search(_ context.Context, _, _ string, _ int) ([]string, error) {
	return f.ids, nil
}

func (f *fakeMailbox) GetMessage(_ context.Context, _, id string) (*models.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id], nil
}

func (f *fakeMailbox) GetAttachment(_ context.Context, _, _, attID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[attID]
	if !ok {
		return nil, errors.New("attachment missing")
	}
	return d, nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDedup) IsNew(_ context.Context, userID, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + ":" + messageID
	if f.seen[key] {
		return false, nil
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[key] = true
	return true, nil
}

type fakeStage struct {
	mu      sync.Mutex
	uploads []string
	failKey string // uploads for this key fail
}

func (f *fakeStage) ObjectKey(userID, filename string) string {
	return userID + "/" + filename
}

func (f *fakeStage) Upload(_ context.Context, key, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failKey {
		return errors.New("s3 unavailable")
	}
	f.uploads = append(f.uploads, key)
	return nil
}

func (f *fakeStage) SignedURL(_ context.Context, key string) (string, error) {
	return "https://signed.example.com/" + key, nil
}

type fakeExtractor struct {
	fields *models.ExtractedFields
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _, _ string) (*models.ExtractedFields, error) {
	return f.fields, f.err
}

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []invoice.Invoice
}

func (f *fakeRecorder) Record(_ context.Context, userID string, msg models.MessageRef, key string, extracted models.ExtractedFields) (*invoice.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv := invoice.Invoice{ID: fmt.Sprintf("inv-%d", len(f.recorded)+1), UserID: userID}
	if extracted.ServiceName != "" {
		name := extracted.ServiceName
		inv.ServiceName = &name
	}
	f.recorded = append(f.recorded, inv)
	return &inv, nil
}

type fakeBuilder struct {
	mu    sync.Mutex
	built int
}

func (f *fakeBuilder) Build(_ context.Context, inv *invoice.Invoice) (*suggestion.Suggestion, error) {
	if inv.ServiceName == nil {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	return &suggestion.Suggestion{ID: fmt.Sprintf("sg-%d", f.built), ServiceName: *inv.ServiceName}, nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	summaries   []models.ScanSummary
	suggestions []string
}

func (f *fakeNotifier) ScanCompleted(_ context.Context, _ string, s models.ScanSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeNotifier) SuggestionCreated(_ context.Context, _, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggestions = append(f.suggestions, id)
	return nil
}

func messageWithPDF(id, filename string) *models.MessageRef {
	return &models.MessageRef{
		ID:      id,
		Subject: "Your invoice",
		From:    "billing@example.com",
		Attachments: []models.AttachmentRef{
			{AttachmentID: "att-" + id, Filename: filename, MimeType: "application/pdf", Size: 100},
		},
	}
}

func newTestPipeline(mb *fakeMailbox, stage *fakeStage, notifier *fakeNotifier) (*Pipeline, *fakeRecorder, *fakeBuilder) {
	rec := &fakeRecorder{}
	builder := &fakeBuilder{}
	p := NewPipeline(PipelineConfig{
		Tokens:  &fakeTokens{token: "tok"},
		Mailbox: mb,
		Dedup:   &fakeDedup{},
		Stage:   stage,
		Extractor: &fakeExtractor{fields: &models.ExtractedFields{
			ServiceName: "Netflix",
		}},
		Invoices:    rec,
		Suggestions: builder,
		Notifier:    notifier,
		Workers:     2,
	})
	return p, rec, builder
}

// TestRun_HappyPath processes every candidate and reports matching counts.
func TestRun_HappyPath(t *testing.T) {
	mb := &fakeMailbox{
		ids: []string{"m1", "m2"},
		messages: map[string]*models.MessageRef{
			"m1": messageWithPDF("m1", "a.pdf"),
			"m2": messageWithPDF("m2", "b.pdf"),
		},
		data: map[string][]byte{"att-m1": []byte("x"), "att-m2": []byte("y")},
	}
	notifier := &fakeNotifier{}
	p, rec, builder := newTestPipeline(mb, &fakeStage{}, notifier)

	summary, err := p.Run(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MessagesFound != 2 || summary.InvoicesProcessed != 2 || summary.SuggestionsCreated != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if len(rec.recorded) != 2 || builder.built != 2 {
		t.Errorf("recorded = %d, built = %d", len(rec.recorded), builder.built)
	}
	if len(notifier.summaries) != 1 || len(notifier.suggestions) != 2 {
		t.Errorf("notifier events: %d summaries, %d suggestions",
			len(notifier.summaries), len(notifier.suggestions))
	}
}

// TestRun_PerItemIsolation: one message's staging failure lowers the
// counts without failing the batch.
func TestRun_PerItemIsolation(t *testing.T) {
	mb := &fakeMailbox{
		ids: []string{"m1", "m2", "m3"},
		messages: map[string]*models.MessageRef{
			"m1": messageWithPDF("m1", "a.pdf"),
			"m2": messageWithPDF("m2", "b.pdf"),
			"m3": messageWithPDF("m3", "c.pdf"),
		},
		data: map[string][]byte{
			"att-m1": []byte("x"), "att-m2": []byte("y"), "att-m3": []byte("z"),
		},
	}
	stage := &fakeStage{failKey: "user-1/b.pdf"}
	p, _, _ := newTestPipeline(mb, stage, &fakeNotifier{})

	summary, err := p.Run(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MessagesFound != 3 {
		t.Errorf("MessagesFound = %d, want 3", summary.MessagesFound)
	}
	if summary.InvoicesProcessed != 2 {
		t.Errorf("InvoicesProcessed = %d, want 2", summary.InvoicesProcessed)
	}
}

// TestRun_DedupSkips: a message seen in an earlier scan is not
// reprocessed.
func TestRun_DedupSkips(t *testing.T) {
	mb := &fakeMailbox{
		ids: []string{"m1"},
		messages: map[string]*models.MessageRef{
			"m1": messageWithPDF("m1", "a.pdf"),
		},
		data: map[string][]byte{"att-m1": []byte("x")},
	}
	p, rec, _ := newTestPipeline(mb, &fakeStage{}, &fakeNotifier{})

	if _, err := p.Run(context.Background(), "user-1"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	summary, err := p.Run(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.InvoicesProcessed != 0 {
		t.Errorf("second scan processed %d invoices, want 0", summary.InvoicesProcessed)
	}
	if len(rec.recorded) != 1 {
		t.Errorf("recorded = %d across both scans, want 1", len(rec.recorded))
	}
}

// TestRun_ExtractionFailure skips the document entirely: no invoice row
// exists without extracted data, and the batch keeps going.
func TestRun_ExtractionFailure(t *testing.T) {
	mb := &fakeMailbox{
		ids: []string{"m1", "m2"},
		messages: map[string]*models.MessageRef{
			"m1": messageWithPDF("m1", "a.pdf"),
			"m2": messageWithPDF("m2", "b.pdf"),
		},
		data: map[string][]byte{"att-m1": []byte("x"), "att-m2": []byte("y")},
	}
	rec := &fakeRecorder{}
	builder := &fakeBuilder{}
	p := NewPipeline(PipelineConfig{
		Tokens:      &fakeTokens{token: "tok"},
		Mailbox:     mb,
		Stage:       &fakeStage{},
		Extractor:   &fakeExtractor{err: errors.New("gateway 500")},
		Invoices:    rec,
		Suggestions: builder,
	})

	summary, err := p.Run(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MessagesFound != 2 {
		t.Errorf("MessagesFound = %d, want 2", summary.MessagesFound)
	}
	if summary.InvoicesProcessed != 0 {
		t.Errorf("InvoicesProcessed = %d, want 0", summary.InvoicesProcessed)
	}
	if summary.SuggestionsCreated != 0 {
		t.Errorf("SuggestionsCreated = %d, want 0", summary.SuggestionsCreated)
	}
	if len(rec.recorded) != 0 {
		t.Errorf("recorded = %d invoices without extracted data, want 0", len(rec.recorded))
	}
}

// TestRun_ExtractionEmptyResult: a document the model found nothing in
// is treated the same as an extraction failure.
func TestRun_ExtractionEmptyResult(t *testing.T) {
	mb := &fakeMailbox{
		ids: []string{"m1"},
		messages: map[string]*models.MessageRef{
			"m1": messageWithPDF("m1", "a.pdf"),
		},
		data: map[string][]byte{"att-m1": []byte("x")},
	}
	rec := &fakeRecorder{}
	p := NewPipeline(PipelineConfig{
		Tokens:      &fakeTokens{token: "tok"},
		Mailbox:     mb,
		Stage:       &fakeStage{},
		Extractor:   &fakeExtractor{fields: nil},
		Invoices:    rec,
		Suggestions: &fakeBuilder{},
	})

	summary, err := p.Run(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.InvoicesProcessed != 0 || len(rec.recorded) != 0 {
		t.Errorf("empty extraction produced an invoice: %+v", summary)
	}
}

// TestRun_DisallowedAttachment skips messages with nothing stageable.
func TestRun_DisallowedAttachment(t *testing.T) {
	mb := &fakeMailbox{
		ids: []string{"m1"},
		messages: map[string]*models.MessageRef{
			"m1": {
				ID: "m1",
				Attachments: []models.AttachmentRef{
					{AttachmentID: "att-m1", Filename: "notes.txt"},
				},
			},
		},
	}
	p, rec, _ := newTestPipeline(mb, &fakeStage{}, &fakeNotifier{})

	summary, err := p.Run(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.InvoicesProcessed != 0 || len(rec.recorded) != 0 {
		t.Errorf("disallowed attachment was processed: %+v", summary)
	}
}

// TestRun_TokenFailure is a hard failure before any message work.
func TestRun_TokenFailure(t *testing.T) {
	p := NewPipeline(PipelineConfig{
		Tokens:      &fakeTokens{err: errors.New("reconnect required")},
		Mailbox:     &fakeMailbox{},
		Stage:       &fakeStage{},
		Extractor:   &fakeExtractor{},
		Invoices:    &fakeRecorder{},
		Suggestions: &fakeBuilder{},
	})

	if _, err := p.Run(context.Background(), "user-1"); err == nil {
		t.Fatal("Run succeeded without a token")
	}
}
