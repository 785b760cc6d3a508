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

// Package dedup provides message deduplication using Redis SETNX with a
// TTL. Scan windows overlap freely (the lookback always starts from a
// fixed horizon), so the same mailbox message is seen by many scans; the
// filter makes sure each one is only staged and parsed once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a processed message ID is remembered.
	// Well past any realistic re-scan cadence; after expiry the invoice
	// table's email_id still allows manual reconciliation.
	DefaultTTL = 30 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "subtrack:seen:"
)

// Filter tracks which mailbox messages have already been processed.
// Keys are scoped per user: two users receiving the same forwarded
// invoice are independent.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message has NOT been seen before for this
// user. If true, the message is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, userID, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, userID, messageID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
