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

// Package credential provides Postgres-backed storage for per-user Gmail
// OAuth credentials and for the single-use pending auth states that guard
// the OAuth handshake against CSRF and replay.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Credential represents one user's Gmail OAuth tokens. At most one live
// credential exists per user — the store upserts on user_id.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	EmailAddress string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides CRUD operations for Gmail credentials in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a credential store backed by the given Postgres pool.
// It ensures the credential tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure credential schema: %w", err)
	}
	slog.Info("credential store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gmail_credentials (
			user_id       TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			token_expiry  TIMESTAMPTZ NOT NULL,
			email_address TEXT DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS oauth_states (
			state_token TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			csrf_nonce  TEXT NOT NULL,
			issued_at   TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			consumed    BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at);
	`)
	return err
}

// Upsert inserts or replaces the credential for a user. Called on a
// successful OAuth exchange.
func (s *Store) Upsert(ctx context.Context, c Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gmail_credentials
			(user_id, access_token, refresh_token, token_expiry, email_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry  = EXCLUDED.token_expiry,
			email_address = EXCLUDED.email_address,
			updated_at    = NOW()
	`, c.UserID, c.AccessToken, c.RefreshToken, c.Expiry, c.EmailAddress)
	return err
}

// Get retrieves the credential for a user. Returns (nil, nil) when the
// user has no connected mailbox.
func (s *Store) Get(ctx context.Context, userID string) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, access_token, refresh_token, token_expiry,
		       email_address, created_at, updated_at
		FROM gmail_credentials
		WHERE user_id = $1
	`, userID)

	var c Credential
	err := row.Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &c.Expiry,
		&c.EmailAddress, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateAccessToken updates the access token and expiry in place after a
// refresh. The refresh token itself is not rotated.
func (s *Store) UpdateAccessToken(ctx context.Context, userID, accessToken string, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_credentials
		SET access_token = $1, token_expiry = $2, updated_at = NOW()
		WHERE user_id = $3
	`, accessToken, expiry, userID)
	return err
}

// Delete removes the credential for a user. Called on disconnect, after
// the token has been revoked upstream.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM gmail_credentials WHERE user_id = $1
	`, userID)
	return err
}

// ListUserIDs returns the IDs of all users with a connected mailbox.
// Used by the scan CLI to run a batch over every connection.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM gmail_credentials ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
