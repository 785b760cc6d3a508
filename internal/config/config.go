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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GoogleConfig holds the Google OAuth application credentials.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// ExtractorConfig holds the AI extraction gateway settings.
type ExtractorConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// StorageConfig holds the S3 settings for staged invoice documents.
type StorageConfig struct {
	Region      string `yaml:"region"`
	Bucket      string `yaml:"bucket"`
	EndpointURL string `yaml:"endpoint_url"` // non-empty for S3-compatible stores (MinIO etc.)
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Google    GoogleConfig
	Extractor ExtractorConfig
	Storage   StorageConfig

	// Postgres / Redis
	DatabaseURL string
	RedisURL    string

	// Web app base URL — OAuth callback redirects land here.
	AppURL string

	// Scan behaviour
	ScanWindowDays int           // default lookback when the caller omits days_back
	ScanPageCap    int           // hard cap on messages per scan invocation
	ScanWorkers    int           // bounded concurrency across messages
	ScanTimeout    time.Duration // wall-clock ceiling for one scan

	// OAuth handshake
	StateTTL time.Duration // pending auth state validity window

	// Redis list the web app's notification worker consumes.
	NotifyQueue string

	// HTTP server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Google    GoogleConfig    `yaml:"google"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	App struct {
		URL string `yaml:"url"`
	} `yaml:"app"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Google:         raw.Google,
		Extractor:      raw.Extractor,
		Storage:        raw.Storage,
		DatabaseURL:    firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:       firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		AppURL:         firstNonEmpty(raw.App.URL, envOrDefault("APP_URL", "")),
		ScanWindowDays: envOrDefaultInt("SCAN_WINDOW_DAYS", 365),
		ScanPageCap:    envOrDefaultInt("SCAN_PAGE_CAP", 100),
		ScanWorkers:    envOrDefaultInt("SCAN_WORKERS", 4),
		ScanTimeout:    envOrDefaultDuration("SCAN_TIMEOUT", 60*time.Second),
		StateTTL:       envOrDefaultDuration("OAUTH_STATE_TTL", 10*time.Minute),
		NotifyQueue:    envOrDefault("NOTIFY_QUEUE", "subtrack:notifications"),
		Port:           envOrDefaultInt("PORT", 8080),
	}

	if cfg.Extractor.BaseURL == "" {
		cfg.Extractor.BaseURL = "https://ai.gateway.lovable.dev/v1"
	}
	if cfg.Extractor.Model == "" {
		cfg.Extractor.Model = "google/gemini-2.0-flash-exp"
	}

	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" || cfg.Google.RedirectURL == "" {
		return nil, fmt.Errorf("google client_id, client_secret and redirect_url are required — check config.yaml and environment variables")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if cfg.AppURL == "" {
		return nil, fmt.Errorf("app URL is required — OAuth callbacks redirect there")
	}
	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
