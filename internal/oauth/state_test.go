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
	"errors"
	"testing"
	"time"
)

const testUserID = "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"

// TestStateTokenRoundTrip verifies the wire format survives parsing.
func TestStateTokenRoundTrip(t *testing.T) {
	issued := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	st := newStateToken(testUserID, issued)

	parsed, err := parseStateToken(st.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", parsed.UserID, testUserID)
	}
	if parsed.Nonce != st.Nonce {
		t.Errorf("Nonce = %q, want %q", parsed.Nonce, st.Nonce)
	}
	if !parsed.IssuedAt.Equal(issued) {
		t.Errorf("IssuedAt = %v, want %v", parsed.IssuedAt, issued)
	}
}

// TestParseStateToken_Invalid verifies that every malformed shape maps
// to ErrInvalidState with no detail about which check failed.
func TestParseStateToken_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"two segments", testUserID + ":nonce"},
		{"four segments", testUserID + ":nonce:123:extra"},
		{"non-uuid user", "not-a-uuid:nonce:1700000000"},
		{"empty nonce", testUserID + "::1700000000"},
		{"non-numeric timestamp", testUserID + ":nonce:tomorrow"},
		{"zero timestamp", testUserID + ":nonce:0"},
		{"negative timestamp", testUserID + ":nonce:-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseStateToken(tt.raw); !errors.Is(err, ErrInvalidState) {
				t.Errorf("parseStateToken(%q) = %v, want ErrInvalidState", tt.raw, err)
			}
		})
	}
}

// TestGenerateNonce_Unique guards against a degenerate nonce source.
func TestGenerateNonce_Unique(t *testing.T) {
	a, b := generateNonce(), generateNonce()
	if a == b {
		t.Fatal("two nonces collided")
	}
	if len(a) != 32 {
		t.Errorf("nonce length = %d, want 32 hex chars", len(a))
	}
}
