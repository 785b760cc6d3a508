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

package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subtrack/ingestion/internal/models"
)

// DefaultCurrency is the fallback when extraction found no currency.
const DefaultCurrency = "ILS"

// Recorder normalises extracted fields onto Invoice entities and
// persists them with a pending status.
type Recorder struct {
	store *Store
}

// NewRecorder creates an invoice recorder.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Record builds an Invoice from message metadata, the staged document
// key and the (possibly sparse) extracted fields, and inserts it. The
// batch pipeline only records documents extraction could read, so the
// fields are always present even when most of them are empty.
func (r *Recorder) Record(ctx context.Context, userID string, msg models.MessageRef, documentKey string, extracted models.ExtractedFields) (*Invoice, error) {
	inv := Normalize(userID, msg, documentKey, extracted)
	if err := r.store.Insert(ctx, inv); err != nil {
		return nil, fmt.Errorf("insert invoice: %w", err)
	}
	return &inv, nil
}

// Normalize maps the pipeline's data-transfer types onto a fresh Invoice.
// Only service_name is guaranteed by the extraction contract; every other
// extracted field stays NULL when absent — except currency, which falls
// back to DefaultCurrency whenever extraction found none.
func Normalize(userID string, msg models.MessageRef, documentKey string, extracted models.ExtractedFields) Invoice {
	inv := Invoice{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       StatusPending,
		ReceivedDate: msg.ReceivedAt,
	}
	if msg.ID != "" {
		inv.EmailID = &msg.ID
	}
	if msg.From != "" {
		inv.Sender = &msg.From
	}
	if msg.Subject != "" {
		inv.Subject = &msg.Subject
	}
	if documentKey != "" {
		inv.DocumentKey = &documentKey
	}

	if extracted.ServiceName != "" {
		name := extracted.ServiceName
		inv.ServiceName = &name
	}
	inv.Amount = extracted.Amount
	inv.BillingCycle = extracted.BillingCycle

	if extracted.Currency != nil {
		inv.Currency = extracted.Currency
	} else {
		fallback := DefaultCurrency
		inv.Currency = &fallback
	}

	if extracted.BillingDate != nil {
		if d, err := time.Parse("2006-01-02", *extracted.BillingDate); err == nil {
			inv.BillingDate = &d
		}
	}

	if blob, err := json.Marshal(extracted); err == nil {
		inv.ParsedData = blob
	}

	return inv
}
