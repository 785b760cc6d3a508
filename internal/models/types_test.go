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

package models

import "testing"

// TestSummarize verifies that skipped and failed messages only lower
// the counts, never fail the batch.
func TestSummarize(t *testing.T) {
	tests := []struct {
		name            string
		found           int
		outcomes        []Outcome
		wantInvoices    int
		wantSuggestions int
	}{
		{
			name:  "all processed",
			found: 2,
			outcomes: []Outcome{
				{MessageID: "m1", Invoices: 1, Suggestions: 1},
				{MessageID: "m2", Invoices: 2, Suggestions: 1},
			},
			wantInvoices:    3,
			wantSuggestions: 2,
		},
		{
			name:  "one skipped",
			found: 3,
			outcomes: []Outcome{
				{MessageID: "m1", Invoices: 1, Suggestions: 1},
				{MessageID: "m2", Skipped: true, Reason: "duplicate"},
				{MessageID: "m3", Invoices: 1, Suggestions: 1},
			},
			wantInvoices:    2,
			wantSuggestions: 2,
		},
		{
			name:     "empty batch",
			found:    0,
			outcomes: nil,
		},
		{
			name:  "invoice without suggestion",
			found: 1,
			outcomes: []Outcome{
				{MessageID: "m1", Invoices: 1},
			},
			wantInvoices: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.found, tt.outcomes)
			if s.MessagesFound != tt.found {
				t.Errorf("MessagesFound = %d, want %d", s.MessagesFound, tt.found)
			}
			if s.InvoicesProcessed != tt.wantInvoices {
				t.Errorf("InvoicesProcessed = %d, want %d", s.InvoicesProcessed, tt.wantInvoices)
			}
			if s.SuggestionsCreated != tt.wantSuggestions {
				t.Errorf("SuggestionsCreated = %d, want %d", s.SuggestionsCreated, tt.wantSuggestions)
			}
		})
	}
}
