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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Rule narrows a user's mailbox scan to particular senders. A user with
// no enabled rules scans with the subject/attachment query alone.
type Rule struct {
	ID            string
	UserID        string
	SenderPattern string // address or domain passed to the from: operator
	Enabled       bool
	CreatedAt     time.Time
}

// RuleStore provides CRUD operations for scan rules in Postgres.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore creates a rule store backed by the given Postgres pool.
// It ensures the email_scan_rules table exists on creation.
func NewRuleStore(ctx context.Context, pool *pgxpool.Pool) (*RuleStore, error) {
	s := &RuleStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure scan rule schema: %w", err)
	}
	slog.Info("scan rule store initialised")
	return s, nil
}

func (s *RuleStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_scan_rules (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			sender_pattern TEXT NOT NULL,
			enabled        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_scan_rules_user ON email_scan_rules(user_id);
	`)
	return err
}

// Add creates an enabled rule and returns it.
func (s *RuleStore) Add(ctx context.Context, userID, senderPattern string) (*Rule, error) {
	r := Rule{
		ID:            uuid.New().String(),
		UserID:        userID,
		SenderPattern: senderPattern,
		Enabled:       true,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_scan_rules (id, user_id, sender_pattern, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, r.ID, r.UserID, r.SenderPattern, r.Enabled).Scan(&r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListByUser returns all of a user's rules, newest first.
func (s *RuleStore) ListByUser(ctx context.Context, userID string) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, sender_pattern, enabled, created_at
		FROM email_scan_rules
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.UserID, &r.SenderPattern, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetEnabled toggles a rule.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_scan_rules SET enabled = $1 WHERE id = $2
	`, enabled, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM email_scan_rules WHERE id = $1`, id)
	return err
}

// SenderFilters returns the enabled sender patterns for a user, in
// creation order, for the mailbox query's from: group.
func (s *RuleStore) SenderFilters(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sender_pattern
		FROM email_scan_rules
		WHERE user_id = $1 AND enabled = TRUE
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filters []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}
