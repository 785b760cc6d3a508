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

package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/subtrack/ingestion/internal/credential"
)

// TestEnsureValidToken_Cached returns the stored token while it is
// still live, without touching the provider.
func TestEnsureValidToken_Cached(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	creds := newFakeCreds()
	creds.Upsert(context.Background(), credential.Credential{
		UserID:      testUserID,
		AccessToken: "live-token",
		Expiry:      now.Add(30 * time.Minute),
	})

	flow, _ := newTestFlow(t, newFakeStates(), creds, nil, func() time.Time { return now })
	guard := NewGuard(flow)

	tok, err := guard.EnsureValidToken(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if tok != "live-token" {
		t.Errorf("token = %q, want live-token", tok)
	}
}

// TestEnsureValidToken_Refresh exchanges the refresh token when the
// access token has expired and persists the replacement.
func TestEnsureValidToken_Refresh(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	creds := newFakeCreds()
	creds.Upsert(context.Background(), credential.Credential{
		UserID:       testUserID,
		AccessToken:  "stale-token",
		RefreshToken: "good-refresh",
		Expiry:       now.Add(-time.Minute),
	})

	flow, _ := newTestFlow(t, newFakeStates(), creds, nil, func() time.Time { return now })
	guard := NewGuard(flow)

	tok, err := guard.EnsureValidToken(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if tok != "fresh-access" {
		t.Errorf("token = %q, want fresh-access", tok)
	}

	stored, _ := creds.Get(context.Background(), testUserID)
	if stored.AccessToken != "fresh-access" {
		t.Error("refreshed access token was not persisted")
	}
	if stored.RefreshToken != "good-refresh" {
		t.Error("refresh token must not rotate on refresh")
	}
}

// TestEnsureValidToken_RefreshRejected surfaces ErrRefreshFailed so the
// caller can demand re-authentication.
func TestEnsureValidToken_RefreshRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	creds := newFakeCreds()
	creds.Upsert(context.Background(), credential.Credential{
		UserID:       testUserID,
		AccessToken:  "stale-token",
		RefreshToken: "revoked-refresh",
		Expiry:       now.Add(-time.Minute),
	})

	flow, _ := newTestFlow(t, newFakeStates(), creds, nil, func() time.Time { return now })
	guard := NewGuard(flow)

	if _, err := guard.EnsureValidToken(context.Background(), testUserID); !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("EnsureValidToken = %v, want ErrRefreshFailed", err)
	}
}

// TestEnsureValidToken_NotConnected maps a missing credential to the
// dedicated sentinel.
func TestEnsureValidToken_NotConnected(t *testing.T) {
	flow, _ := newTestFlow(t, newFakeStates(), newFakeCreds(), nil, nil)
	guard := NewGuard(flow)

	if _, err := guard.EnsureValidToken(context.Background(), testUserID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("EnsureValidToken = %v, want ErrNotConnected", err)
	}
}
