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

// RUA Ingestion Service
//
// Entry point for the DMARC aggregate report ingestion service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis, ensuring the report schema exists
//  3. Builds the ingestion pipeline (decode, parse, dedup, persist)
//  4. Polls configured Microsoft 365 mailboxes for report attachments
//  5. Watches the spool directory for uploaded report files
//  6. Serves /health and /metrics
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/ruaingest/internal/config"
	"github.com/bcem/ruaingest/internal/decode"
	"github.com/bcem/ruaingest/internal/dedup"
	"github.com/bcem/ruaingest/internal/ingest"
	"github.com/bcem/ruaingest/internal/mailbox"
	"github.com/bcem/ruaingest/internal/metrics"
	"github.com/bcem/ruaingest/internal/parser"
	"github.com/bcem/ruaingest/internal/persist"
	"github.com/bcem/ruaingest/internal/queue"
	"github.com/bcem/ruaingest/internal/spool"
	"github.com/bcem/ruaingest/internal/store/postgres"
)

func main() {
	// Structured JSON logging; level is raised or lowered once config is read.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting RUA ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	slog.Info("configuration loaded",
		"mailboxes", len(cfg.Mailboxes),
		"spool_dir", cfg.SpoolDir,
		"batch_budget", cfg.BatchBudget,
		"max_decompressed_bytes", cfg.MaxDecompressedBytes,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	st, err := postgres.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise report store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.ReportsQueue, cfg.ReportsTask)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- Ingestion Pipeline ---
	gate := dedup.NewGate(dedup.GateConfig{
		Artifacts:  st,
		Reports:    st,
		Cache:      dedup.NewRedisCache(rdb, cfg.CacheTTL),
		StaleAfter: cfg.StaleAfter,
	})
	orch := ingest.NewOrchestrator(ingest.Config{
		Store:    st,
		Gate:     gate,
		Decoder:  decode.NewDecoder(cfg.MaxDecompressedBytes),
		Parser:   parser.New(cfg.RejectEmptyReports),
		Writer:   persist.NewWriter(st),
		Notifier: publisher,
		Metrics:  m,
		Budget:   cfg.BatchBudget,
	})

	g, gctx := errgroup.WithContext(ctx)

	// --- Mailbox Poller ---
	if len(cfg.Mailboxes) > 0 {
		var sources []mailbox.Source
		for _, mb := range cfg.Mailboxes {
			creds := &clientcredentials.Config{
				ClientID:     mb.ClientID,
				ClientSecret: mb.ClientSecret,
				TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", mb.TenantID),
				Scopes:       []string{"https://graph.microsoft.com/.default"},
			}
			sources = append(sources, mailbox.NewCollector(mailbox.CollectorConfig{
				HTTPClient:        creds.Client(ctx),
				User:              mb.User,
				Alias:             mb.Alias,
				MaxAttachmentSize: cfg.MaxAttachmentSize,
				PageDelay:         500 * time.Millisecond,
			}))
		}
		poller := mailbox.NewPoller(mailbox.PollerConfig{
			Sources:  sources,
			Ingester: orch,
			Interval: cfg.PollInterval,
			Lookback: cfg.PollLookback,
			Metrics:  m,
		})
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	// --- Spool Watcher ---
	if cfg.SpoolDir != "" {
		watcher, err := spool.New(spool.Config{
			Dir:         cfg.SpoolDir,
			Ingester:    orch,
			MaxFileSize: cfg.SpoolMaxFileSize,
			Debounce:    cfg.SpoolDebounce,
			Rescan:      cfg.SpoolRescan,
			Metrics:     m,
		})
		if err != nil {
			slog.Error("failed to initialise spool watcher", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	// --- Health and Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		counts, err := st.Counts(r.Context())
		if err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "healthy",
			"counts": counts,
		})
	})
	mux.Handle("/metrics", metrics.Handler(reg))

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("ingestion service listening", "addr", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
		case <-gctx.Done():
		}
		cancel() // Stop all background goroutines

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("ingestion service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}
