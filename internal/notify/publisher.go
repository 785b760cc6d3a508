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

// Package notify publishes pipeline events to a Redis list. The web
// application's notification worker BRPOPs them to surface in-app
// alerts (scan finished, new suggestions waiting). Delivery is
// best-effort: a publish failure never fails the pipeline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/subtrack/ingestion/internal/models"
)

// Event kinds the notification worker understands.
const (
	KindScanCompleted     = "scan.completed"
	KindSuggestionCreated = "suggestion.created"
)

// DefaultQueue is the Redis list notifications are pushed onto.
const DefaultQueue = "subtrack:notifications"

// Event is the envelope pushed onto the notification queue.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Publisher sends pipeline events to Redis.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified list.
// An empty queueName falls back to DefaultQueue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// ScanCompleted publishes the outcome summary of a finished mailbox scan.
func (p *Publisher) ScanCompleted(ctx context.Context, userID string, summary models.ScanSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal scan summary: %w", err)
	}
	return p.publish(ctx, Event{
		ID:        uuid.New().String(),
		Kind:      KindScanCompleted,
		UserID:    userID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

// SuggestionCreated publishes a pointer to a freshly created suggestion.
func (p *Publisher) SuggestionCreated(ctx context.Context, userID, suggestionID, serviceName string) error {
	payload, err := json.Marshal(map[string]string{
		"suggestion_id": suggestionID,
		"service_name":  serviceName,
	})
	if err != nil {
		return fmt.Errorf("marshal suggestion payload: %w", err)
	}
	return p.publish(ctx, Event{
		ID:        uuid.New().String(),
		Kind:      KindSuggestionCreated,
		UserID:    userID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published notification",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"user_id", ev.UserID,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
