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

package server

import (
	"time"

	"github.com/subtrack/ingestion/internal/scan"
	"github.com/subtrack/ingestion/internal/subscription"
	"github.com/subtrack/ingestion/internal/suggestion"
)

func timeNow() time.Time { return time.Now().UTC() }

// SuggestionView is the wire shape of one suggestion.
type SuggestionView struct {
	ID              string   `json:"id"`
	ServiceName     string   `json:"service_name"`
	Vendor          *string  `json:"vendor,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	Currency        *string  `json:"currency,omitempty"`
	BillingCycle    *string  `json:"billing_cycle,omitempty"`
	NextRenewalDate *string  `json:"next_renewal_date,omitempty"`
	Confidence      float64  `json:"confidence"`
	DuplicateOf     *string  `json:"duplicate_of,omitempty"`
	InvoiceID       *string  `json:"invoice_id,omitempty"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"created_at"`
}

func suggestionViews(list []suggestion.Suggestion) []SuggestionView {
	views := make([]SuggestionView, 0, len(list))
	for _, sg := range list {
		v := SuggestionView{
			ID:           sg.ID,
			ServiceName:  sg.ServiceName,
			Vendor:       sg.Vendor,
			Amount:       sg.Amount,
			Currency:     sg.Currency,
			BillingCycle: sg.BillingCycle,
			Confidence:   sg.Confidence,
			DuplicateOf:  sg.DuplicateOf,
			InvoiceID:    sg.InvoiceID,
			Status:       sg.Status,
			CreatedAt:    sg.CreatedAt.UTC().Format(time.RFC3339),
		}
		if sg.NextRenewalDate != nil {
			d := sg.NextRenewalDate.Format("2006-01-02")
			v.NextRenewalDate = &d
		}
		views = append(views, v)
	}
	return views
}

// SubscriptionView is the wire shape of a subscription returned on approval.
type SubscriptionView struct {
	ID              string  `json:"id"`
	ServiceName     string  `json:"service_name"`
	Vendor          *string `json:"vendor,omitempty"`
	Cost            float64 `json:"cost"`
	Currency        *string `json:"currency,omitempty"`
	BillingCycle    string  `json:"billing_cycle"`
	NextRenewalDate string  `json:"next_renewal_date"`
	StartDate       string  `json:"start_date"`
	Status          string  `json:"status"`
}

func subscriptionView(rec *subscription.Record) SubscriptionView {
	return SubscriptionView{
		ID:              rec.ID,
		ServiceName:     rec.ServiceName,
		Vendor:          rec.Vendor,
		Cost:            rec.Cost,
		Currency:        rec.Currency,
		BillingCycle:    rec.BillingCycle,
		NextRenewalDate: rec.NextRenewalDate.Format("2006-01-02"),
		StartDate:       rec.StartDate.Format("2006-01-02"),
		Status:          rec.Status,
	}
}

// RuleView is the wire shape of one scan rule.
type RuleView struct {
	ID            string `json:"id"`
	SenderPattern string `json:"sender_pattern"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     string `json:"created_at"`
}

func ruleView(r scan.Rule) RuleView {
	return RuleView{
		ID:            r.ID,
		SenderPattern: r.SenderPattern,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func ruleViews(rules []scan.Rule) []RuleView {
	views := make([]RuleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, ruleView(r))
	}
	return views
}
