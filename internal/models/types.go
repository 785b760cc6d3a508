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

// Package models defines the data-transfer types shared across the
// ingestion pipeline. The pipeline stages communicate exclusively
// through these types — there is no shared mutable state.
package models

import "time"

// MessageRef identifies a candidate Gmail message together with enough
// header metadata to populate an Invoice without a second round trip.
type MessageRef struct {
	ID          string
	Subject     string
	From        string
	ReceivedAt  *time.Time
	Attachments []AttachmentRef
}

// AttachmentRef identifies a single attachment part within a message.
type AttachmentRef struct {
	AttachmentID string
	Filename     string
	MimeType     string
	Size         int
}

// StagedDocument is an attachment binary copied into durable object
// storage, addressable by a time-limited signed URL.
type StagedDocument struct {
	Key       string // object key: {userID}/{unixMillis}_{filename}
	Filename  string // original attachment filename
	SignedURL string
	Size      int
}

// ExtractedFields is the schema-minimal output of the AI extraction
// step. Only ServiceName is guaranteed; every other field is nil when
// the model could not determine it. Absent means nil, never "" or 0.
type ExtractedFields struct {
	ServiceName  string   `json:"service_name"`
	Amount       *float64 `json:"amount,omitempty"`
	Currency     *string  `json:"currency,omitempty"`
	BillingDate  *string  `json:"billing_date,omitempty"` // YYYY-MM-DD
	BillingCycle *string  `json:"billing_cycle,omitempty"`
	Sender       *string  `json:"sender,omitempty"`
}

// Outcome classifies the result of processing one candidate message.
type Outcome struct {
	MessageID   string
	Invoices    int    // invoices recorded from this message
	Suggestions int    // suggestions created from this message
	Skipped     bool   // true when the whole message was skipped
	Reason      string // skip reason, empty when processed
}

// ScanSummary aggregates the per-message outcomes of one scan batch.
// Failures show up only as lower counts — a scan never hard-fails on
// individual items.
type ScanSummary struct {
	MessagesFound      int `json:"messages_found"`
	InvoicesProcessed  int `json:"invoices_processed"`
	SuggestionsCreated int `json:"suggestions_created"`
}

// Summarize derives a ScanSummary from collected per-message outcomes.
func Summarize(found int, outcomes []Outcome) ScanSummary {
	s := ScanSummary{MessagesFound: found}
	for _, o := range outcomes {
		s.InvoicesProcessed += o.Invoices
		s.SuggestionsCreated += o.Suggestions
	}
	return s
}
