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

// RUA Ingestion: one-shot file ingest
//
// Ingests DMARC aggregate report files (XML, gzip or zip) given on the
// command line and prints the JSON ingestion result to stdout. Intended for
// manual uploads and seeding new deployments.
//
// Usage:
//
//	go run ./cmd/ingest/ [--config config.yaml] [--dry-run] [--budget 5m] file...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ruaingest/internal/config"
	"github.com/bcem/ruaingest/internal/decode"
	"github.com/bcem/ruaingest/internal/dedup"
	"github.com/bcem/ruaingest/internal/ingest"
	"github.com/bcem/ruaingest/internal/models"
	"github.com/bcem/ruaingest/internal/parser"
	"github.com/bcem/ruaingest/internal/persist"
	"github.com/bcem/ruaingest/internal/queue"
	"github.com/bcem/ruaingest/internal/store"
	"github.com/bcem/ruaingest/internal/store/memory"
	"github.com/bcem/ruaingest/internal/store/postgres"
)

func main() {
	// --- CLI Flags ---
	configFlag := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config.yaml (optional; env vars are used when empty)")
	dryRunFlag := flag.Bool("dry-run", false, "Ingest into an in-memory store; nothing is written to Postgres or Redis")
	budgetFlag := flag.Duration("budget", 0, "Wall-clock budget for the batch (overrides ingest.batch_budget)")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one report file is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.LoadFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout carries only the result.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	subs, err := readSubmissions(flag.Args())
	if err != nil {
		slog.Error("failed to read input files", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	budget := cfg.BatchBudget
	if *budgetFlag > 0 {
		budget = *budgetFlag
	}

	var (
		st       store.Store
		cache    dedup.HashCache
		notifier ingest.Notifier
	)
	if *dryRunFlag {
		slog.Info("dry run: using in-memory store")
		st = memory.New()
	} else {
		if cfg.DatabaseURL == "" {
			slog.Error("no database configured: set database.url or DATABASE_URL, or use --dry-run")
			os.Exit(1)
		}
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		pg, err := postgres.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise report store", "error", err)
			os.Exit(1)
		}
		st = pg

		// Redis is optional here: without it there is no hash cache and no
		// report events.
		if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
			slog.Warn("invalid REDIS_URL, continuing without Redis", "error", err)
		} else {
			rdb := redis.NewClient(opt)
			defer rdb.Close()
			publisher := queue.NewPublisher(rdb, cfg.ReportsQueue, cfg.ReportsTask)
			if err := publisher.Ping(ctx); err != nil {
				slog.Warn("Redis unreachable, continuing without it", "error", err)
			} else {
				cache = dedup.NewRedisCache(rdb, cfg.CacheTTL)
				notifier = publisher
			}
		}
	}

	orch := ingest.NewOrchestrator(ingest.Config{
		Store: st,
		Gate: dedup.NewGate(dedup.GateConfig{
			Artifacts:  st,
			Reports:    st,
			Cache:      cache,
			StaleAfter: cfg.StaleAfter,
		}),
		Decoder:  decode.NewDecoder(cfg.MaxDecompressedBytes),
		Parser:   parser.New(cfg.RejectEmptyReports),
		Writer:   persist.NewWriter(st),
		Notifier: notifier,
		Budget:   budget,
	})

	result, err := orch.Ingest(ctx, subs)
	if err != nil {
		slog.Error("ingest failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Error("failed to write result", "error", err)
		os.Exit(1)
	}

	if result.Invalid > 0 || result.Errors > 0 || result.Incomplete {
		os.Exit(2)
	}
}

func readSubmissions(paths []string) ([]models.RawSubmission, error) {
	subs := make([]models.RawSubmission, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		subs = append(subs, models.RawSubmission{
			Data:       data,
			Filename:   filepath.Base(p),
			Source:     models.SourceUpload,
			ReceivedAt: time.Now().UTC(),
		})
	}
	return subs, nil
}
