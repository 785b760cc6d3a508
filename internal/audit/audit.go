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

// Package audit provides an append-only log of OAuth handshake events
// for forensic review. The log is never read on any control-flow path,
// and a failed write never fails the operation that produced it.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types recorded during the OAuth handshake.
const (
	EventAuthURLIssued   = "auth_url_issued"
	EventStateInvalid    = "state_invalid"
	EventStateNotFound   = "state_not_found"
	EventStateExpired    = "state_expired"
	EventStateConsumed   = "state_consumed"
	EventExchangeOK      = "token_exchange_ok"
	EventExchangeFailed  = "token_exchange_failed"
	EventProfileOK       = "profile_fetch_ok"
	EventProfileFailed   = "profile_fetch_failed"
	EventCredentialSaved = "credential_saved"
	EventTokenRefreshed  = "token_refreshed"
	EventRefreshFailed   = "token_refresh_failed"
	EventDisconnected    = "disconnected"
)

// Logger appends OAuth events to Postgres.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger creates an audit logger backed by the given Postgres pool.
// It ensures the audit table exists on creation.
func NewLogger(ctx context.Context, pool *pgxpool.Pool) (*Logger, error) {
	l := &Logger{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return l, nil
}

func (l *Logger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_audit_events (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT DEFAULT '',
			event_type TEXT NOT NULL,
			detail     TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_user ON oauth_audit_events(user_id);
	`)
	return err
}

// Record appends one event. Detail must be a coarse, non-sensitive
// reason code — never raw provider errors or token material.
func (l *Logger) Record(ctx context.Context, userID, eventType, detail string) {
	if l == nil || l.pool == nil {
		return
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO oauth_audit_events (user_id, event_type, detail)
		VALUES ($1, $2, $3)
	`, userID, eventType, detail)
	if err != nil {
		slog.Warn("audit write failed", "event", eventType, "error", err)
	}
}
