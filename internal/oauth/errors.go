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

import "errors"

// Handshake and refresh failures. All are terminal for the attempt that
// produced them: the user restarts the flow (handshake errors) or
// reconnects the mailbox (refresh errors). None are retried — authorization
// codes are single-use and revoked refresh tokens do not self-heal.
var (
	ErrInvalidState        = errors.New("oauth: malformed or stale state token")
	ErrStateNotFound       = errors.New("oauth: pending auth state not found")
	ErrStateExpired        = errors.New("oauth: pending auth state expired")
	ErrTokenExchangeFailed = errors.New("oauth: authorization code exchange failed")
	ErrProfileFetchFailed  = errors.New("oauth: mailbox profile fetch failed")
	ErrRefreshFailed       = errors.New("oauth: access token refresh failed")
	ErrNotConnected        = errors.New("oauth: no mailbox connected for user")
)

// ReasonCode maps a handshake error to the coarse, non-sensitive code
// embedded in the error redirect. Raw provider errors never reach the
// client.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStateNotFound):
		return "state_not_found"
	case errors.Is(err, ErrStateExpired):
		return "state_expired"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "exchange_failed"
	case errors.Is(err, ErrProfileFetchFailed):
		return "profile_failed"
	case errors.Is(err, ErrRefreshFailed):
		return "reconnect_required"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "auth_failed"
	}
}
