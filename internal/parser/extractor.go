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

// Package parser extracts structured invoice fields from staged documents
// using a generative model behind an OpenAI-compatible gateway. The model
// is forced into a single schema-constrained function call — free-text
// responses are never accepted. Model output is still treated as
// untrusted input: numeric and date fields pass sanity bounds before
// anything downstream sees them.
package parser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/subtrack/ingestion/internal/models"
)

// Errors surfaced to callers. ErrInvalidInput maps to a client-facing
// 4xx; ErrExtractionFailed means the upstream model call itself failed.
var (
	ErrInvalidInput     = errors.New("parser: invalid input")
	ErrExtractionFailed = errors.New("parser: extraction call failed")
)

const (
	// maxDocumentSize caps downloads of staged documents.
	maxDocumentSize = 10 << 20 // 10 MB

	extractFunctionName = "extract_invoice_data"
)

var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// Extractor calls the AI gateway for structured field extraction.
type Extractor struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	now        func() time.Time
}

// Config holds the gateway settings for the extractor.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewExtractor creates an AI extraction client.
func NewExtractor(cfg Config) *Extractor {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Extractor{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		now:        now,
	}
}

// Extract downloads the staged document from its signed URL and asks the
// model for structured invoice fields. Returns (nil, nil) when the model
// could not produce a usable result — extraction is best-effort.
//
// Input validation happens before any network or storage call.
func (e *Extractor) Extract(ctx context.Context, fileURL, fileName string) (*models.ExtractedFields, error) {
	if err := ValidateInput(fileURL, fileName); err != nil {
		return nil, err
	}

	data, err := e.download(ctx, fileURL)
	if err != nil {
		return nil, err
	}

	raw, err := e.callModel(ctx, data, mimeTypeFor(fileName))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	fields := sanitize(raw, e.now().UTC())
	if fields == nil {
		slog.Warn("extraction produced no service name, discarding", "file", fileName)
	}
	return fields, nil
}

// ValidateInput checks the parser contract: https-only URL and a
// constrained file name. Rejections happen before any side effect.
func ValidateInput(fileURL, fileName string) error {
	u, err := url.Parse(fileURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: malformed file URL", ErrInvalidInput)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: only HTTPS URLs are allowed", ErrInvalidInput)
	}
	if !fileNamePattern.MatchString(fileName) {
		return fmt.Errorf("%w: invalid file name", ErrInvalidInput)
	}
	if !allowedExtension(fileName) {
		return fmt.Errorf("%w: unsupported file type", ErrInvalidInput)
	}
	return nil
}

func allowedExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".pdf", ".jpg", ".jpeg", ".png"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func mimeTypeFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// download fetches the staged document, enforcing the size cap.
func (e *Extractor) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download returned HTTP %d", ErrExtractionFailed, resp.StatusCode)
	}
	if resp.ContentLength > maxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidInput, maxDocumentSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read document: %v", ErrExtractionFailed, err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidInput, maxDocumentSize)
	}
	return data, nil
}

const extractionPrompt = `You are a professional invoice analyst. The invoice may be in English or Hebrew. Extract:
- service_name: name of the service or company
- amount: numeric amount only, no currency symbol
- currency: currency code (ILS, USD, EUR, ...)
- billing_date: billing date as YYYY-MM-DD
- billing_cycle: monthly, yearly, quarterly or one-time
- sender: who sent the invoice

Read the document carefully and extract the real values. Use null for anything you cannot determine. If this is not actually an invoice, say so.`

// chatRequest is the OpenAI-compatible request envelope.
type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools"`
	ToolChoice any           `json:"tool_choice"`
}

type chatMessage struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// extractionSchema is the function-call parameter schema. service_name is
// the only required field.
var extractionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"service_name": {"type": "string", "description": "Name of the service or company"},
		"amount": {"type": "number", "description": "Billing amount without currency"},
		"currency": {"type": "string", "description": "Currency code (ILS, USD, EUR, etc.)"},
		"billing_date": {"type": "string", "description": "Billing date in YYYY-MM-DD format"},
		"billing_cycle": {"type": "string", "enum": ["monthly", "yearly", "quarterly", "one-time"], "description": "Billing cycle"},
		"sender": {"type": "string", "description": "Invoice sender"}
	},
	"required": ["service_name"],
	"additionalProperties": false
}`)

// chatResponse is the subset of the completion response we read.
type chatResponse struct {
	Choices []struct {
		Message struct {
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// rawFields mirrors the function-call arguments before sanitisation.
type rawFields struct {
	ServiceName  string   `json:"service_name"`
	Amount       *float64 `json:"amount"`
	Currency     *string  `json:"currency"`
	BillingDate  *string  `json:"billing_date"`
	BillingCycle *string  `json:"billing_cycle"`
	Sender       *string  `json:"sender"`
}

// callModel sends the document inline and returns the unvalidated
// function-call arguments, or nil when the model produced none.
func (e *Extractor) callModel(ctx context.Context, document []byte, mimeType string) (*rawFields, error) {
	reqBody := chatRequest{
		Model: e.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []content{
				{Type: "text", Text: extractionPrompt},
				{Type: "image_url", ImageURL: &imageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(document)),
				}},
			},
		}},
		Tools: []chatTool{{
			Type: "function",
			Function: toolFunction{
				Name:        extractFunctionName,
				Description: "Extract structured data from an invoice",
				Parameters:  extractionSchema,
			},
		}},
		ToolChoice: map[string]any{
			"type":     "function",
			"function": map[string]string{"name": extractFunctionName},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("extraction gateway error", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: gateway returned HTTP %d", ErrExtractionFailed, resp.StatusCode)
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", ErrExtractionFailed, err)
	}

	if len(completion.Choices) == 0 || len(completion.Choices[0].Message.ToolCalls) == 0 {
		return nil, nil
	}

	call := completion.Choices[0].Message.ToolCalls[0]
	if call.Function.Name != extractFunctionName {
		return nil, nil
	}

	var raw rawFields
	if err := json.Unmarshal([]byte(call.Function.Arguments), &raw); err != nil {
		slog.Warn("unparseable function-call arguments", "error", err)
		return nil, nil
	}
	return &raw, nil
}

// sanitize converts raw model output into ExtractedFields, dropping any
// value that fails sanity bounds. A result without a service name is
// discarded entirely.
func sanitize(raw *rawFields, now time.Time) *models.ExtractedFields {
	name := strings.TrimSpace(raw.ServiceName)
	if name == "" {
		return nil
	}

	out := &models.ExtractedFields{ServiceName: name}

	if raw.Amount != nil {
		a := *raw.Amount
		if !math.IsNaN(a) && !math.IsInf(a, 0) && a > 0 && a < 10_000_000 {
			out.Amount = &a
		}
	}
	if raw.Currency != nil {
		if c := strings.ToUpper(strings.TrimSpace(*raw.Currency)); len(c) == 3 {
			out.Currency = &c
		}
	}
	if raw.BillingDate != nil {
		if d, err := time.Parse("2006-01-02", *raw.BillingDate); err == nil {
			// Hallucinated dates far in the past or future are worse
			// than no date at all.
			if d.After(now.AddDate(-10, 0, 0)) && d.Before(now.AddDate(2, 0, 0)) {
				s := d.Format("2006-01-02")
				out.BillingDate = &s
			}
		}
	}
	if raw.BillingCycle != nil {
		switch c := strings.ToLower(strings.TrimSpace(*raw.BillingCycle)); c {
		case "monthly", "yearly", "quarterly", "one-time":
			out.BillingCycle = &c
		}
	}
	if raw.Sender != nil {
		if s := strings.TrimSpace(*raw.Sender); s != "" {
			out.Sender = &s
		}
	}

	return out
}
