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

// Package invoice persists detected and manually-submitted invoice
// documents and normalises extracted fields onto them.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotPending is returned when a status transition targets an invoice
// that already left the pending state.
var ErrNotPending = errors.New("invoice is not pending")

// Lifecycle statuses. Transitions are monotonic: pending → approved or
// pending → ignored, never back.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusIgnored  = "ignored"
)

// Invoice is one detected (or manually entered) billing document.
// Optional fields are pointers: absent stores as NULL, never as "" or 0.
type Invoice struct {
	ID             string
	UserID         string
	EmailID        *string // provider message id, external correlation key
	Sender         *string
	Subject        *string
	ReceivedDate   *time.Time
	Amount         *float64
	Currency       *string
	ServiceName    *string
	BillingDate    *time.Time
	BillingCycle   *string
	DocumentKey    *string // object-storage key of the staged document
	ParsedData     []byte  // raw extracted-fields blob
	Status         string
	SubscriptionID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store provides CRUD operations for invoices in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an invoice store backed by the given Postgres pool.
// It ensures the invoices table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure invoice schema: %w", err)
	}
	slog.Info("invoice store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			email_id        TEXT,
			sender          TEXT,
			subject         TEXT,
			received_date   TIMESTAMPTZ,
			amount          DOUBLE PRECISION,
			currency        TEXT,
			service_name    TEXT,
			billing_date    DATE,
			billing_cycle   TEXT,
			document_key    TEXT,
			parsed_data     JSONB,
			status          TEXT NOT NULL DEFAULT 'pending',
			subscription_id TEXT,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id);
		CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
	`)
	return err
}

// Insert persists a new invoice.
func (s *Store) Insert(ctx context.Context, inv Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices
			(id, user_id, email_id, sender, subject, received_date, amount,
			 currency, service_name, billing_date, billing_cycle,
			 document_key, parsed_data, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, inv.ID, inv.UserID, inv.EmailID, inv.Sender, inv.Subject, inv.ReceivedDate,
		inv.Amount, inv.Currency, inv.ServiceName, inv.BillingDate, inv.BillingCycle,
		inv.DocumentKey, inv.ParsedData, inv.Status)
	return err
}

// Get retrieves one invoice. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, email_id, sender, subject, received_date, amount,
		       currency, service_name, billing_date, billing_cycle,
		       document_key, parsed_data, status, subscription_id,
		       created_at, updated_at
		FROM invoices
		WHERE id = $1
	`, id)

	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.EmailID, &inv.Sender, &inv.Subject,
		&inv.ReceivedDate, &inv.Amount, &inv.Currency, &inv.ServiceName,
		&inv.BillingDate, &inv.BillingCycle, &inv.DocumentKey, &inv.ParsedData,
		&inv.Status, &inv.SubscriptionID, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// MarkIgnored transitions a pending invoice to ignored. The WHERE clause
// enforces the one-way state machine; a miss reports ErrNotPending.
func (s *Store) MarkIgnored(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusIgnored, id, StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}
