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

// Package subscription provides a Postgres-backed store for the user's
// recurring-service subscriptions. The ingestion pipeline only reads
// them for duplicate detection and writes them on suggestion approval;
// everything else about subscriptions belongs to the CRUD layer.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record represents a single subscription row.
type Record struct {
	ID              string
	UserID          string
	ServiceName     string
	Vendor          *string
	Cost            float64
	Currency        *string
	BillingCycle    string
	NextRenewalDate time.Time
	StartDate       time.Time
	Status          string // "active", "cancelled"
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store provides CRUD operations for subscription records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a subscription store backed by the given Postgres pool.
// It ensures the subscriptions table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure subscription schema: %w", err)
	}
	slog.Info("subscription store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			service_name      TEXT NOT NULL,
			vendor            TEXT,
			cost              DOUBLE PRECISION NOT NULL,
			currency          TEXT,
			billing_cycle     TEXT NOT NULL,
			next_renewal_date DATE NOT NULL,
			start_date        DATE NOT NULL,
			status            TEXT DEFAULT 'active',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_service ON subscriptions(user_id, service_name);
	`)
	return err
}

// Get retrieves a single subscription by id. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, service_name, vendor, cost, currency,
		       billing_cycle, next_renewal_date, start_date, status,
		       created_at, updated_at
		FROM subscriptions
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

// FindByServiceAndCost looks up a user's subscription with exact equality
// on (service name, cost) — the duplicate-detection heuristic. Returns
// (nil, nil) when there is no match.
func (s *Store) FindByServiceAndCost(ctx context.Context, userID, serviceName string, cost float64) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, service_name, vendor, cost, currency,
		       billing_cycle, next_renewal_date, start_date, status,
		       created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1 AND service_name = $2 AND cost = $3
		LIMIT 1
	`, userID, serviceName, cost)
	return scanRecord(row)
}

// ListByUser returns all subscriptions for a user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, service_name, vendor, cost, currency,
		       billing_cycle, next_renewal_date, start_date, status,
		       created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY service_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// scanRecord scans a single row into a Record.
func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.UserID, &r.ServiceName, &r.Vendor, &r.Cost, &r.Currency,
		&r.BillingCycle, &r.NextRenewalDate, &r.StartDate, &r.Status,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collectRecords scans multiple rows into a slice of Records.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.ServiceName, &r.Vendor, &r.Cost, &r.Currency,
			&r.BillingCycle, &r.NextRenewalDate, &r.StartDate, &r.Status,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
