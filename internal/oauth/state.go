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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// stateToken is the parsed form of the opaque value threaded through the
// authorize→callback round trip. Wire format: "userId:csrfNonce:unixSeconds".
type stateToken struct {
	UserID   string
	Nonce    string
	IssuedAt time.Time
}

func (s stateToken) String() string {
	return fmt.Sprintf("%s:%s:%d", s.UserID, s.Nonce, s.IssuedAt.Unix())
}

// newStateToken generates a state token for a user with a fresh CSRF nonce.
func newStateToken(userID string, now time.Time) stateToken {
	return stateToken{
		UserID:   userID,
		Nonce:    generateNonce(),
		IssuedAt: now,
	}
}

// parseStateToken validates the shape of an incoming state value.
// The user-id segment must be a well-formed UUID and the timestamp a
// plausible unix time. Any violation is ErrInvalidState — the caller
// never learns which check failed.
func parseStateToken(raw string) (stateToken, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return stateToken{}, ErrInvalidState
	}

	if _, err := uuid.Parse(parts[0]); err != nil {
		return stateToken{}, ErrInvalidState
	}

	if parts[1] == "" {
		return stateToken{}, ErrInvalidState
	}

	secs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || secs <= 0 {
		return stateToken{}, ErrInvalidState
	}

	return stateToken{
		UserID:   parts[0],
		Nonce:    parts[1],
		IssuedAt: time.Unix(secs, 0),
	}, nil
}

// generateNonce creates a random CSRF secret.
func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
