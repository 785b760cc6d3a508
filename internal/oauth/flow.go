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

// Package oauth implements the Google OAuth handshake for mailbox access:
// authorization URL issuance with a persisted single-use state token,
// callback validation and code exchange, transparent access-token refresh,
// and disconnect with upstream revocation.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/subtrack/ingestion/internal/audit"
	"github.com/subtrack/ingestion/internal/credential"
)

const (
	// GmailReadonlyScope is the only scope the pipeline ever requests.
	GmailReadonlyScope = "https://www.googleapis.com/auth/gmail.readonly"

	defaultProfileURL = "https://gmail.googleapis.com/gmail/v1/users/me/profile"
	defaultRevokeURL  = "https://oauth2.googleapis.com/revoke"

	// Sanity bounds on the timestamp embedded in a callback state. A
	// timestamp outside these is a forgery or garbage, not an expired
	// handshake; staleness itself is judged against the persisted row's
	// expiry so it reports as StateExpired.
	stateClockSkew   = 2 * time.Minute
	stateSanityBound = 24 * time.Hour
)

// googleEndpoint avoids importing golang.org/x/oauth2/google for two URLs.
var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// StateStore persists pending auth states. Implemented by credential.Store.
type StateStore interface {
	PutAuthState(ctx context.Context, st credential.AuthState) error
	GetAuthState(ctx context.Context, stateToken, userID, csrfNonce string) (*credential.AuthState, error)
	ConsumeAuthState(ctx context.Context, stateToken string) (bool, error)
}

// CredentialStore persists per-user tokens. Implemented by credential.Store.
type CredentialStore interface {
	Upsert(ctx context.Context, c credential.Credential) error
	Get(ctx context.Context, userID string) (*credential.Credential, error)
	UpdateAccessToken(ctx context.Context, userID, accessToken string, expiry time.Time) error
	Delete(ctx context.Context, userID string) error
}

// AuditLog records handshake events. Implemented by audit.Logger.
type AuditLog interface {
	Record(ctx context.Context, userID, eventType, detail string)
}

// Flow drives the OAuth handshake end to end.
type Flow struct {
	conf       *oauth2.Config
	states     StateStore
	creds      CredentialStore
	audit      AuditLog
	stateTTL   time.Duration
	httpClient *http.Client
	profileURL string
	revokeURL  string
	now        func() time.Time
}

// FlowConfig holds the dependencies for the OAuth flow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	States       StateStore
	Credentials  CredentialStore
	Audit        AuditLog
	StateTTL     time.Duration

	// Overridable in tests.
	Endpoint   oauth2.Endpoint
	ProfileURL string
	RevokeURL  string
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewFlow creates the OAuth flow controller.
func NewFlow(cfg FlowConfig) *Flow {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = googleEndpoint
	}
	profileURL := cfg.ProfileURL
	if profileURL == "" {
		profileURL = defaultProfileURL
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.StateTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	return &Flow{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{GmailReadonlyScope},
			Endpoint:     endpoint,
		},
		states:     cfg.States,
		creds:      cfg.Credentials,
		audit:      cfg.Audit,
		stateTTL:   ttl,
		httpClient: httpClient,
		profileURL: profileURL,
		revokeURL:  revokeURL,
		now:        now,
	}
}

// BeginAuth issues an authorization URL for the user, persisting the
// pending auth state that the callback must present.
func (f *Flow) BeginAuth(ctx context.Context, userID string) (string, error) {
	now := f.now().UTC()

	st := newStateToken(userID, now)
	if _, err := parseStateToken(st.String()); err != nil {
		// Only reachable with a non-UUID user id.
		return "", ErrInvalidState
	}

	if err := f.states.PutAuthState(ctx, credential.AuthState{
		StateToken: st.String(),
		UserID:     st.UserID,
		CSRFNonce:  st.Nonce,
		IssuedAt:   now,
		ExpiresAt:  now.Add(f.stateTTL),
	}); err != nil {
		return "", fmt.Errorf("persist auth state: %w", err)
	}

	f.record(ctx, userID, audit.EventAuthURLIssued, "")

	return f.conf.AuthCodeURL(st.String(),
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// CompleteAuth validates the callback state, exchanges the authorization
// code, fetches the mailbox identity and stores the credential. Every
// failure is terminal for this handshake attempt.
func (f *Flow) CompleteAuth(ctx context.Context, code, rawState string) (*credential.Credential, error) {
	now := f.now().UTC()

	st, err := parseStateToken(rawState)
	if err != nil {
		f.record(ctx, "", audit.EventStateInvalid, "malformed")
		return nil, err
	}
	if st.IssuedAt.After(now.Add(stateClockSkew)) || now.Sub(st.IssuedAt) > stateSanityBound {
		f.record(ctx, st.UserID, audit.EventStateInvalid, "implausible_timestamp")
		return nil, ErrInvalidState
	}

	pending, err := f.states.GetAuthState(ctx, rawState, st.UserID, st.Nonce)
	if err != nil {
		return nil, fmt.Errorf("look up auth state: %w", err)
	}
	if pending == nil {
		f.record(ctx, st.UserID, audit.EventStateNotFound, "")
		return nil, ErrStateNotFound
	}
	if now.After(pending.ExpiresAt) {
		f.record(ctx, st.UserID, audit.EventStateExpired, "")
		return nil, ErrStateExpired
	}

	// Consume before exchanging — a second callback with the same state
	// must lose this race even if it arrives mid-exchange.
	consumed, err := f.states.ConsumeAuthState(ctx, rawState)
	if err != nil {
		return nil, fmt.Errorf("consume auth state: %w", err)
	}
	if !consumed {
		f.record(ctx, st.UserID, audit.EventStateNotFound, "already_consumed")
		return nil, ErrStateNotFound
	}
	f.record(ctx, st.UserID, audit.EventStateConsumed, "")

	tok, err := f.conf.Exchange(ctx, code)
	if err != nil {
		slog.Error("token exchange failed", "user", st.UserID, "error", err)
		f.record(ctx, st.UserID, audit.EventExchangeFailed, "")
		return nil, ErrTokenExchangeFailed
	}
	f.record(ctx, st.UserID, audit.EventExchangeOK, "")

	email, err := f.fetchMailboxIdentity(ctx, tok.AccessToken)
	if err != nil {
		slog.Error("profile fetch failed", "user", st.UserID, "error", err)
		f.record(ctx, st.UserID, audit.EventProfileFailed, "")
		return nil, ErrProfileFetchFailed
	}
	f.record(ctx, st.UserID, audit.EventProfileOK, "")

	cred := credential.Credential{
		UserID:       st.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		EmailAddress: email,
	}
	if err := f.creds.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	f.record(ctx, st.UserID, audit.EventCredentialSaved, "")

	slog.Info("mailbox connected", "user", st.UserID, "mailbox", email)
	return &cred, nil
}

// Disconnect revokes the access token upstream and deletes the stored
// credential. Revocation failure is logged but does not block deletion.
func (f *Flow) Disconnect(ctx context.Context, userID string) error {
	cred, err := f.creds.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil
	}

	form := url.Values{"token": {cred.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.revokeURL,
		strings.NewReader(form.Encode()))
	if err == nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if resp, rerr := f.httpClient.Do(req); rerr != nil {
			slog.Warn("token revocation failed", "user", userID, "error", rerr)
		} else {
			resp.Body.Close()
		}
	}

	if err := f.creds.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	f.record(ctx, userID, audit.EventDisconnected, "")

	slog.Info("mailbox disconnected", "user", userID)
	return nil
}

// fetchMailboxIdentity asks Gmail for the connected email address.
func (f *Flow) fetchMailboxIdentity(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.profileURL, nil)
	if err != nil {
		return "", fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile endpoint returned HTTP %d", resp.StatusCode)
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	return profile.EmailAddress, nil
}

func (f *Flow) record(ctx context.Context, userID, event, detail string) {
	if f.audit != nil {
		f.audit.Record(ctx, userID, event, detail)
	}
}
