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
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/subtrack/ingestion/internal/credential"
)

// fakeStates is an in-memory StateStore.
type fakeStates struct {
	states map[string]*credential.AuthState
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[string]*credential.AuthState)}
}

func (f *fakeStates) PutAuthState(_ context.Context, st credential.AuthState) error {
	f.states[st.StateToken] = &st
	return nil
}

func (f *fakeStates) GetAuthState(_ context.Context, stateToken, userID, csrfNonce string) (*credential.AuthState, error) {
	st, ok := f.states[stateToken]
	if !ok || st.UserID != userID || st.CSRFNonce != csrfNonce || st.Consumed {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStates) ConsumeAuthState(_ context.Context, stateToken string) (bool, error) {
	st, ok := f.states[stateToken]
	if !ok || st.Consumed {
		return false, nil
	}
	st.Consumed = true
	return true, nil
}

// fakeCreds is an in-memory CredentialStore.
type fakeCreds struct {
	creds map[string]*credential.Credential
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{creds: make(map[string]*credential.Credential)}
}

func (f *fakeCreds) Upsert(_ context.Context, c credential.Credential) error {
	f.creds[c.UserID] = &c
	return nil
}

func (f *fakeCreds) Get(_ context.Context, userID string) (*credential.Credential, error) {
	c, ok := f.creds[userID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCreds) UpdateAccessToken(_ context.Context, userID, accessToken string, expiry time.Time) error {
	c, ok := f.creds[userID]
	if !ok {
		return fmt.Errorf("no credential for %s", userID)
	}
	c.AccessToken = accessToken
	c.Expiry = expiry
	return nil
}

func (f *fakeCreds) Delete(_ context.Context, userID string) error {
	delete(f.creds, userID)
	return nil
}

// fakeAudit records events in order.
type fakeAudit struct {
	events []string
}

func (f *fakeAudit) Record(_ context.Context, _, eventType, _ string) {
	f.events = append(f.events, eventType)
}

// newTestProvider spins up a fake OAuth provider with token, profile and
// revoke endpoints.
func newTestProvider(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	revocations := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.FormValue("code") == "bad-code" && r.FormValue("grant_type") == "authorization_code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		if r.FormValue("refresh_token") == "revoked-refresh" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-access","refresh_token":"fresh-refresh","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"emailAddress":"user@example.com","messagesTotal":42}`)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		revocations++
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &revocations
}

func newTestFlow(t *testing.T, states StateStore, creds CredentialStore, aud AuditLog, now func() time.Time) (*Flow, *int) {
	t.Helper()
	ts, revocations := newTestProvider(t)

	return NewFlow(FlowConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://api.example.com/auth/google/callback",
		States:       states,
		Credentials:  creds,
		Audit:        aud,
		StateTTL:     10 * time.Minute,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ts.URL + "/auth",
			TokenURL: ts.URL + "/token",
		},
		ProfileURL: ts.URL + "/profile",
		RevokeURL:  ts.URL + "/revoke",
		HTTPClient: ts.Client(),
		Now:        now,
	}), revocations
}

// TestBeginAuth verifies the authorization URL carries the persisted
// state and the offline-access parameters.
func TestBeginAuth(t *testing.T) {
	states := newFakeStates()
	flow, _ := newTestFlow(t, states, newFakeCreds(), nil, nil)

	rawURL, err := flow.BeginAuth(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	q := u.Query()

	state := q.Get("state")
	if state == "" {
		t.Fatal("auth URL missing state")
	}
	if _, ok := states.states[state]; !ok {
		t.Error("state was not persisted before issuing the URL")
	}
	if got := q.Get("access_type"); got != "offline" {
		t.Errorf("access_type = %q, want offline", got)
	}
	if got := q.Get("prompt"); got != "consent" {
		t.Errorf("prompt = %q, want consent", got)
	}
	if got := q.Get("scope"); got != GmailReadonlyScope {
		t.Errorf("scope = %q, want %q", got, GmailReadonlyScope)
	}
}

// TestCompleteAuth_Success runs the happy path end to end against the
// fake provider.
func TestCompleteAuth_Success(t *testing.T) {
	states := newFakeStates()
	creds := newFakeCreds()
	aud := &fakeAudit{}
	flow, _ := newTestFlow(t, states, creds, aud, nil)

	ctx := context.Background()
	rawURL, err := flow.BeginAuth(ctx, testUserID)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	state := stateFromURL(t, rawURL)

	cred, err := flow.CompleteAuth(ctx, "good-code", state)
	if err != nil {
		t.Fatalf("CompleteAuth: %v", err)
	}
	if cred.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", cred.UserID, testUserID)
	}
	if cred.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q, want fresh-access", cred.AccessToken)
	}
	if cred.EmailAddress != "user@example.com" {
		t.Errorf("EmailAddress = %q, want user@example.com", cred.EmailAddress)
	}

	stored, _ := creds.Get(ctx, testUserID)
	if stored == nil || stored.RefreshToken != "fresh-refresh" {
		t.Error("credential was not persisted with the refresh token")
	}
}

// TestCompleteAuth_Replay verifies a state cannot be consumed twice.
func TestCompleteAuth_Replay(t *testing.T) {
	states := newFakeStates()
	flow, _ := newTestFlow(t, states, newFakeCreds(), nil, nil)

	ctx := context.Background()
	rawURL, _ := flow.BeginAuth(ctx, testUserID)
	state := stateFromURL(t, rawURL)

	if _, err := flow.CompleteAuth(ctx, "good-code", state); err != nil {
		t.Fatalf("first CompleteAuth: %v", err)
	}
	if _, err := flow.CompleteAuth(ctx, "good-code", state); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("replay = %v, want ErrStateNotFound", err)
	}
}

// TestCompleteAuth_Expiry checks the validity window: fine after two
// minutes, StateExpired after eleven. Timestamps outside any plausible
// handshake lifetime are rejected as invalid instead.
func TestCompleteAuth_Expiry(t *testing.T) {
	issued := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		callback time.Time
		wantErr  error
	}{
		{"within window", issued.Add(2 * time.Minute), nil},
		{"past window", issued.Add(11 * time.Minute), ErrStateExpired},
		{"absurdly old", issued.Add(25 * time.Hour), ErrInvalidState},
		{"from the future", issued.Add(-5 * time.Minute), ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := issued
			now := func() time.Time { return current }

			flow, _ := newTestFlow(t, newFakeStates(), newFakeCreds(), nil, now)

			ctx := context.Background()
			rawURL, err := flow.BeginAuth(ctx, testUserID)
			if err != nil {
				t.Fatalf("BeginAuth: %v", err)
			}
			state := stateFromURL(t, rawURL)

			current = tt.callback
			_, err = flow.CompleteAuth(ctx, "good-code", state)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("CompleteAuth: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CompleteAuth = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestCompleteAuth_ExchangeFailure verifies provider rejections map to
// the exchange sentinel, not a raw transport error.
func TestCompleteAuth_ExchangeFailure(t *testing.T) {
	flow, _ := newTestFlow(t, newFakeStates(), newFakeCreds(), nil, nil)

	ctx := context.Background()
	rawURL, _ := flow.BeginAuth(ctx, testUserID)
	state := stateFromURL(t, rawURL)

	if _, err := flow.CompleteAuth(ctx, "bad-code", state); !errors.Is(err, ErrTokenExchangeFailed) {
		t.Errorf("CompleteAuth = %v, want ErrTokenExchangeFailed", err)
	}
}

// TestCompleteAuth_MalformedState checks the cheap rejection path.
func TestCompleteAuth_MalformedState(t *testing.T) {
	aud := &fakeAudit{}
	flow, _ := newTestFlow(t, newFakeStates(), newFakeCreds(), aud, nil)

	if _, err := flow.CompleteAuth(context.Background(), "code", "garbage"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CompleteAuth = %v, want ErrInvalidState", err)
	}
	if len(aud.events) == 0 {
		t.Error("malformed state left no audit trail")
	}
}

// TestDisconnect verifies revocation is attempted and the credential
// removed either way.
func TestDisconnect(t *testing.T) {
	creds := newFakeCreds()
	creds.Upsert(context.Background(), credential.Credential{
		UserID:      testUserID,
		AccessToken: "live-token",
	})
	flow, revocations := newTestFlow(t, newFakeStates(), creds, nil, nil)

	if err := flow.Disconnect(context.Background(), testUserID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if *revocations != 1 {
		t.Errorf("revocations = %d, want 1", *revocations)
	}
	if c, _ := creds.Get(context.Background(), testUserID); c != nil {
		t.Error("credential still present after disconnect")
	}
}

// TestDisconnect_NotConnected is a no-op, not an error.
func TestDisconnect_NotConnected(t *testing.T) {
	flow, revocations := newTestFlow(t, newFakeStates(), newFakeCreds(), nil, nil)

	if err := flow.Disconnect(context.Background(), testUserID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if *revocations != 0 {
		t.Errorf("revocations = %d, want 0", *revocations)
	}
}

func stateFromURL(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("auth URL missing state")
	}
	return state
}
