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

package credential

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// AuthState is the ephemeral CSRF guard for one OAuth handshake. The
// handshake spans two HTTP requests (authorize, callback) that may hit
// different process instances, so the state lives in Postgres rather
// than in memory.
type AuthState struct {
	StateToken string
	UserID     string
	CSRFNonce  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Consumed   bool
}

// PutAuthState persists a fresh pending auth state. Called when an
// authorization URL is issued.
func (s *Store) PutAuthState(ctx context.Context, st AuthState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_states (state_token, user_id, csrf_nonce, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, st.StateToken, st.UserID, st.CSRFNonce, st.IssuedAt, st.ExpiresAt)
	return err
}

// GetAuthState looks up an unconsumed pending state by exact
// (state token, user id, csrf nonce) match. Returns (nil, nil) when no
// such row exists — that covers both replay and forgery.
func (s *Store) GetAuthState(ctx context.Context, stateToken, userID, csrfNonce string) (*AuthState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT state_token, user_id, csrf_nonce, issued_at, expires_at, consumed
		FROM oauth_states
		WHERE state_token = $1 AND user_id = $2 AND csrf_nonce = $3 AND consumed = FALSE
	`, stateToken, userID, csrfNonce)

	var st AuthState
	err := row.Scan(&st.StateToken, &st.UserID, &st.CSRFNonce, &st.IssuedAt, &st.ExpiresAt, &st.Consumed)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ConsumeAuthState atomically flips the consumed flag false→true.
// Returns false when the row was already consumed — the conditional
// UPDATE is the guard that stops two concurrent callbacks from both
// succeeding on the same state token.
func (s *Store) ConsumeAuthState(ctx context.Context, stateToken string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE oauth_states
		SET consumed = TRUE
		WHERE state_token = $1 AND consumed = FALSE
	`, stateToken)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpiredStates deletes pending states past their expiry. Safe to
// run opportunistically — expired states are already unusable.
func (s *Store) PurgeExpiredStates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_states WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
