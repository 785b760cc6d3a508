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
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/subtrack/ingestion/internal/audit"
)

// Guard checks access-token expiry before each mailbox operation and
// transparently refreshes with the stored refresh token. The refresh
// token itself is never rotated here.
type Guard struct {
	conf  *oauth2.Config
	creds CredentialStore
	audit AuditLog
	now   func() time.Time
}

// NewGuard creates a token refresh guard sharing the flow's provider
// configuration.
func NewGuard(f *Flow) *Guard {
	return &Guard{
		conf:  f.conf,
		creds: f.creds,
		audit: f.audit,
		now:   f.now,
	}
}

// EnsureValidToken returns a usable access token for the user, refreshing
// it first when expired. ErrRefreshFailed means the refresh token was
// rejected upstream — the caller must prompt re-authentication; there is
// no automatic retry.
func (g *Guard) EnsureValidToken(ctx context.Context, userID string) (string, error) {
	cred, err := g.creds.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return "", ErrNotConnected
	}

	if cred.Expiry.After(g.now()) {
		return cred.AccessToken, nil
	}

	src := g.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		slog.Error("token refresh failed", "user", userID, "error", err)
		if g.audit != nil {
			g.audit.Record(ctx, userID, audit.EventRefreshFailed, "")
		}
		return "", ErrRefreshFailed
	}

	if err := g.creds.UpdateAccessToken(ctx, userID, tok.AccessToken, tok.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	if g.audit != nil {
		g.audit.Record(ctx, userID, audit.EventTokenRefreshed, "")
	}

	slog.Info("access token refreshed", "user", userID, "expires_at", tok.Expiry)
	return tok.AccessToken, nil
}
