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
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MailboxConfig holds Graph credentials for one RUA mailbox.
type MailboxConfig struct {
	Alias        string
	TenantID     string
	ClientID     string
	ClientSecret string
	User         string // UPN or id of the mailbox receiving reports
}

// Config holds all configuration for the ingestion service.
type Config struct {
	DatabaseURL string

	// Redis
	RedisURL     string
	ReportsQueue string
	ReportsTask  string
	CacheTTL     time.Duration

	// Ingestion
	MaxDecompressedBytes int64
	BatchBudget          time.Duration
	RejectEmptyReports   bool
	StaleAfter           time.Duration

	// Mailbox collector
	Mailboxes         []MailboxConfig
	PollInterval      time.Duration
	PollLookback      time.Duration
	MaxAttachmentSize int64

	// Spool collector; disabled when SpoolDir is empty.
	SpoolDir         string
	SpoolMaxFileSize int64
	SpoolDebounce    time.Duration
	SpoolRescan      time.Duration

	// Server (health and metrics)
	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Reports string `yaml:"reports"`
		} `yaml:"queues"`
		Task     string `yaml:"task"`
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"redis"`
	Ingest struct {
		MaxDecompressedBytes int64  `yaml:"max_decompressed_bytes"`
		BatchBudget          string `yaml:"batch_budget"`
		RejectEmptyReports   bool   `yaml:"reject_empty_reports"`
		StaleAfter           string `yaml:"stale_after"`
	} `yaml:"ingest"`
	Mailbox struct {
		PollInterval      string `yaml:"poll_interval"`
		Lookback          string `yaml:"lookback"`
		MaxAttachmentSize int64  `yaml:"max_attachment_size"`
		Accounts          []struct {
			Alias        string `yaml:"alias"`
			TenantID     string `yaml:"tenant_id"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
			User         string `yaml:"user"`
		} `yaml:"accounts"`
	} `yaml:"mailbox"`
	Spool struct {
		Dir         string `yaml:"dir"`
		MaxFileSize int64  `yaml:"max_file_size"`
		Debounce    string `yaml:"debounce"`
		Rescan      string `yaml:"rescan_interval"`
	} `yaml:"spool"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads configuration from the file named by CONFIG_PATH (with env var
// expansion) and environment variables, and requires a database URL.
func Load() (*Config, error) {
	cfg, err := LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured: set database.url or DATABASE_URL")
	}
	return cfg, nil
}

// LoadFile reads configuration from path. An empty path skips the file and
// uses environment variables and defaults only.
func LoadFile(path string) (*Config, error) {
	var raw rawConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:  firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		ReportsQueue: firstNonEmpty(raw.Redis.Queues.Reports, envOrDefault("REPORTS_QUEUE", "dmarc_reports")),
		ReportsTask:  raw.Redis.Task,
		Port:         envOrDefaultInt("PORT", 8080),
		SpoolDir:     firstNonEmpty(raw.Spool.Dir, os.Getenv("SPOOL_DIR")),
	}

	var err error
	if cfg.CacheTTL, err = durationOr(raw.Redis.CacheTTL, "redis.cache_ttl", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.BatchBudget, err = durationOr(raw.Ingest.BatchBudget, "ingest.batch_budget", envOrDefaultDuration("BATCH_BUDGET", 5*time.Minute)); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = durationOr(raw.Ingest.StaleAfter, "ingest.stale_after", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = durationOr(raw.Mailbox.PollInterval, "mailbox.poll_interval", envOrDefaultDuration("POLL_INTERVAL", 15*time.Minute)); err != nil {
		return nil, err
	}
	if cfg.PollLookback, err = durationOr(raw.Mailbox.Lookback, "mailbox.lookback", envOrDefaultDuration("POLL_LOOKBACK", 24*time.Hour)); err != nil {
		return nil, err
	}
	if cfg.SpoolDebounce, err = durationOr(raw.Spool.Debounce, "spool.debounce", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SpoolRescan, err = durationOr(raw.Spool.Rescan, "spool.rescan_interval", 10*cfg.SpoolDebounce); err != nil {
		return nil, err
	}

	cfg.MaxDecompressedBytes = positiveOr(raw.Ingest.MaxDecompressedBytes, int64(envOrDefaultInt("MAX_DECOMPRESSED_BYTES", 50<<20)))
	cfg.MaxAttachmentSize = positiveOr(raw.Mailbox.MaxAttachmentSize, 25<<20)
	cfg.SpoolMaxFileSize = positiveOr(raw.Spool.MaxFileSize, 25<<20)
	cfg.RejectEmptyReports = raw.Ingest.RejectEmptyReports || envBool("REJECT_EMPTY_REPORTS")

	level := firstNonEmpty(raw.Log.Level, envOrDefault("LOG_LEVEL", "info"))
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	if cfg.PollLookback < cfg.PollInterval {
		// Windows must overlap or reports arriving between polls are missed.
		cfg.PollLookback = 2 * cfg.PollInterval
	}

	for _, m := range raw.Mailbox.Accounts {
		mc := MailboxConfig{
			Alias:        m.Alias,
			TenantID:     m.TenantID,
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			User:         m.User,
		}

		// Skip accounts with empty credentials (commented out in YAML)
		if mc.TenantID == "" || mc.ClientID == "" || mc.ClientSecret == "" || mc.User == "" {
			continue
		}
		if mc.Alias == "" {
			mc.Alias = mc.User
		}
		cfg.Mailboxes = append(cfg.Mailboxes, mc)
	}

	return cfg, nil
}

func durationOr(raw, field string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func positiveOr(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
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

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
