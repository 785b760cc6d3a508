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

// Package suggestion builds subscription suggestions from recorded
// invoices and drives their pending → approved/rejected lifecycle.
// Approval is the only path that writes subscriptions from this service.
package suggestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subtrack/ingestion/internal/invoice"
	"github.com/subtrack/ingestion/internal/subscription"
)

// Lifecycle statuses. Transitions are monotonic: pending → approved or
// pending → rejected, never back.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// ErrNotPending is returned when an approve or reject targets a
// suggestion that does not exist or has already been decided.
var ErrNotPending = errors.New("suggestion is not pending")

// Suggestion is a proposed subscription awaiting a user decision.
// Optional fields are pointers: absent stores as NULL.
type Suggestion struct {
	ID              string
	UserID          string
	ServiceName     string
	Vendor          *string
	Amount          *float64
	Currency        *string
	BillingCycle    *string
	NextRenewalDate *time.Time
	Confidence      float64
	DuplicateOf     *string // id of the matching existing subscription, if any
	InvoiceID       *string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store provides CRUD and lifecycle operations for suggestions in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a suggestion store backed by the given Postgres pool.
// It ensures the subscription_suggestions table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure suggestion schema: %w", err)
	}
	slog.Info("suggestion store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_suggestions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			service_name      TEXT NOT NULL,
			vendor            TEXT,
			amount            DOUBLE PRECISION,
			currency          TEXT,
			billing_cycle     TEXT,
			next_renewal_date DATE,
			confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
			duplicate_of      TEXT,
			invoice_id        TEXT,
			status            TEXT NOT NULL DEFAULT 'pending',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_suggestions_user ON subscription_suggestions(user_id);
		CREATE INDEX IF NOT EXISTS idx_suggestions_status ON subscription_suggestions(status);
	`)
	return err
}

// Insert persists a new suggestion.
func (s *Store) Insert(ctx context.Context, sg Suggestion) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_suggestions
			(id, user_id, service_name, vendor, amount, currency, billing_cycle,
			 next_renewal_date, confidence, duplicate_of, invoice_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sg.ID, sg.UserID, sg.ServiceName, sg.Vendor, sg.Amount, sg.Currency,
		sg.BillingCycle, sg.NextRenewalDate, sg.Confidence, sg.DuplicateOf,
		sg.InvoiceID, sg.Status)
	return err
}

// Get retrieves one suggestion. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Suggestion, error) {
	row := s.pool.QueryRow(ctx, selectSuggestion+` WHERE id = $1`, id)
	return scanSuggestion(row)
}

// ListByUser returns a user's suggestions, optionally filtered by status.
// Pass an empty status for all.
func (s *Store) ListByUser(ctx context.Context, userID, status string) ([]Suggestion, error) {
	query := selectSuggestion + ` WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

const selectSuggestion = `
	SELECT id, user_id, service_name, vendor, amount, currency, billing_cycle,
	       next_renewal_date, confidence, duplicate_of, invoice_id, status,
	       created_at, updated_at
	FROM subscription_suggestions`

func scanSuggestion(row pgx.Row) (*Suggestion, error) {
	var sg Suggestion
	err := row.Scan(
		&sg.ID, &sg.UserID, &sg.ServiceName, &sg.Vendor, &sg.Amount,
		&sg.Currency, &sg.BillingCycle, &sg.NextRenewalDate, &sg.Confidence,
		&sg.DuplicateOf, &sg.InvoiceID, &sg.Status, &sg.CreatedAt, &sg.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func collectSuggestions(rows pgx.Rows) ([]Suggestion, error) {
	var out []Suggestion
	for rows.Next() {
		var sg Suggestion
		if err := rows.Scan(
			&sg.ID, &sg.UserID, &sg.ServiceName, &sg.Vendor, &sg.Amount,
			&sg.Currency, &sg.BillingCycle, &sg.NextRenewalDate, &sg.Confidence,
			&sg.DuplicateOf, &sg.InvoiceID, &sg.Status, &sg.CreatedAt, &sg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// Approve decides a pending suggestion in a single transaction: a
// subscription is created from its fields (or the explicitly targeted
// existing subscription is updated), the suggestion moves to approved,
// and the originating invoice — when one is linked — moves to approved
// with the subscription id attached. Either every write lands or none.
// Returns the created or updated subscription.
func (s *Store) Approve(ctx context.Context, id string, targetSubscriptionID *string, now time.Time) (*subscription.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, selectSuggestion+` WHERE id = $1 FOR UPDATE`, id)
	sg, err := scanSuggestion(row)
	if err != nil {
		return nil, fmt.Errorf("load suggestion: %w", err)
	}
	if sg == nil || sg.Status != StatusPending {
		return nil, ErrNotPending
	}

	cost := 0.0
	if sg.Amount != nil {
		cost = *sg.Amount
	}
	cycle := CycleMonthly
	if sg.BillingCycle != nil {
		cycle = *sg.BillingCycle
	}
	renewal := now
	if sg.NextRenewalDate != nil {
		renewal = *sg.NextRenewalDate
	}

	var subID string
	if targetSubscriptionID != nil {
		subID = *targetSubscriptionID
		tag, err := tx.Exec(ctx, `
			UPDATE subscriptions
			SET cost = $1, currency = COALESCE($2, currency),
			    billing_cycle = $3, next_renewal_date = $4, updated_at = NOW()
			WHERE id = $5 AND user_id = $6
		`, cost, sg.Currency, cycle, renewal, subID, sg.UserID)
		if err != nil {
			return nil, fmt.Errorf("update subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("subscription %s not found for user", subID)
		}
	} else {
		subID = uuid.New().String()
		_, err := tx.Exec(ctx, `
			INSERT INTO subscriptions
				(id, user_id, service_name, vendor, cost, currency,
				 billing_cycle, next_renewal_date, start_date, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active')
		`, subID, sg.UserID, sg.ServiceName, sg.Vendor, cost, sg.Currency,
			cycle, renewal, now)
		if err != nil {
			return nil, fmt.Errorf("insert subscription: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE subscription_suggestions
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, StatusApproved, id); err != nil {
		return nil, fmt.Errorf("mark suggestion approved: %w", err)
	}

	if sg.InvoiceID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE invoices
			SET status = $1, subscription_id = $2, updated_at = NOW()
			WHERE id = $3 AND status = $4
		`, invoice.StatusApproved, subID, *sg.InvoiceID, invoice.StatusPending); err != nil {
			return nil, fmt.Errorf("mark invoice approved: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit approve tx: %w", err)
	}

	slog.Info("suggestion approved",
		"suggestion_id", id, "subscription_id", subID, "user_id", sg.UserID)

	row = s.pool.QueryRow(ctx, `
		SELECT id, user_id, service_name, vendor, cost, currency,
		       billing_cycle, next_renewal_date, start_date, status,
		       created_at, updated_at
		FROM subscriptions
		WHERE id = $1
	`, subID)
	var rec subscription.Record
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ServiceName, &rec.Vendor, &rec.Cost,
		&rec.Currency, &rec.BillingCycle, &rec.NextRenewalDate, &rec.StartDate,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("reload subscription: %w", err)
	}
	return &rec, nil
}

// Reject transitions a pending suggestion to rejected. Nothing else is
// touched; the linked invoice stays pending for a separate decision.
func (s *Store) Reject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscription_suggestions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusRejected, id, StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}
