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

// Package storage stages invoice documents in S3-compatible object
// storage. Objects are keyed {userID}/{unixMillis}_{originalFilename}
// and are only ever addressed through time-limited presigned URLs —
// staged documents are never public.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/subtrack/ingestion/internal/config"
)

// SignedURLExpiry is how long a presigned download URL stays valid.
// Long enough for the extraction call, nothing more.
const SignedURLExpiry = 1 * time.Hour

// DocumentStore uploads staged documents and issues presigned URLs.
type DocumentStore struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
	now     func() time.Time
}

// NewDocumentStore creates an S3-backed document store.
func NewDocumentStore(ctx context.Context, cfg appconfig.StorageConfig) (*DocumentStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = &cfg.EndpointURL
			o.UsePathStyle = true
		}
	})

	slog.Info("document store initialised",
		"region", cfg.Region,
		"bucket", cfg.Bucket,
		"endpoint", cfg.EndpointURL,
	)

	return &DocumentStore{
		s3:      client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		now:     time.Now,
	}, nil
}

// ObjectKey builds the collision-resistant key for a staged attachment.
func (d *DocumentStore) ObjectKey(userID, filename string) string {
	return fmt.Sprintf("%s/%d_%s", userID, d.now().UnixMilli(), filename)
}

// Upload stages attachment bytes under the given key.
func (d *DocumentStore) Upload(ctx context.Context, key, contentType string, data []byte) error {
	_, err := d.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// SignedURL issues a time-limited download URL for a staged document.
func (d *DocumentStore) SignedURL(ctx context.Context, key string) (string, error) {
	resp, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = SignedURLExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return resp.URL, nil
}
