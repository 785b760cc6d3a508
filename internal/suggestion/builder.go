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

package suggestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/subtrack/ingestion/internal/invoice"
	"github.com/subtrack/ingestion/internal/subscription"
)

// DefaultConfidence is the score attached to suggestions produced by
// the extraction pipeline. Confidence is always kept within [0, 1].
const DefaultConfidence = 0.85

// SubscriptionFinder looks up an existing subscription by the
// duplicate-detection key.
type SubscriptionFinder interface {
	FindByServiceAndCost(ctx context.Context, userID, serviceName string, cost float64) (*subscription.Record, error)
}

// Inserter persists a new suggestion.
type Inserter interface {
	Insert(ctx context.Context, sg Suggestion) error
}

// Builder derives pending suggestions from recorded invoices.
type Builder struct {
	subs  SubscriptionFinder
	store Inserter
	now   func() time.Time
}

// NewBuilder creates a suggestion builder.
func NewBuilder(subs SubscriptionFinder, store Inserter) *Builder {
	return &Builder{subs: subs, store: store, now: time.Now}
}

// Build creates a pending suggestion from an invoice and persists it.
// Invoices with no extracted service name cannot seed a suggestion and
// yield (nil, nil). A matching existing subscription flags the
// suggestion as a duplicate but never blocks it — the user decides.
func (b *Builder) Build(ctx context.Context, inv *invoice.Invoice) (*Suggestion, error) {
	if inv == nil || inv.ServiceName == nil {
		return nil, nil
	}

	sg := Suggestion{
		ID:          uuid.New().String(),
		UserID:      inv.UserID,
		ServiceName: *inv.ServiceName,
		Vendor:      inv.Sender,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		Confidence:  clampConfidence(DefaultConfidence),
		Status:      StatusPending,
	}
	if inv.ID != "" {
		id := inv.ID
		sg.InvoiceID = &id
	}

	cycle := CycleOneTime
	if inv.BillingCycle != nil {
		cycle = *inv.BillingCycle
		sg.BillingCycle = inv.BillingCycle
	}
	base := b.now()
	if inv.BillingDate != nil {
		base = *inv.BillingDate
	}
	renewal := NextRenewalDate(base, cycle)
	sg.NextRenewalDate = &renewal

	if inv.Amount != nil {
		existing, err := b.subs.FindByServiceAndCost(ctx, inv.UserID, sg.ServiceName, *inv.Amount)
		if err != nil {
			slog.Warn("duplicate lookup failed, continuing without flag",
				"user_id", inv.UserID, "service", sg.ServiceName, "error", err)
		} else if existing != nil {
			dup := existing.ID
			sg.DuplicateOf = &dup
		}
	}

	if err := b.store.Insert(ctx, sg); err != nil {
		return nil, fmt.Errorf("insert suggestion: %w", err)
	}
	return &sg, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
