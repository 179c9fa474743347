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

package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcem/ruaingest/internal/metrics"
	"github.com/bcem/ruaingest/internal/models"
)

// Source yields raw submissions received since an instant.
type Source interface {
	Name() string
	Collect(ctx context.Context, since time.Time) ([]models.RawSubmission, error)
}

// Ingester consumes a batch of submissions.
type Ingester interface {
	Ingest(ctx context.Context, subs []models.RawSubmission) (*models.IngestionResult, error)
}

// Poller periodically collects from every source and ingests the result.
type Poller struct {
	sources  []Source
	ingester Ingester
	interval time.Duration
	lookback time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// PollerConfig holds dependencies for the poller.
type PollerConfig struct {
	Sources  []Source
	Ingester Ingester
	Interval time.Duration
	// Lookback defines how far back each poll window extends. It should
	// exceed Interval so windows overlap; artifact dedup absorbs the overlap.
	Lookback time.Duration
	Metrics  *metrics.Metrics
}

// NewPoller creates a poller.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	lookback := cfg.Lookback
	if lookback < interval {
		lookback = 2 * interval
	}
	return &Poller{
		sources:  cfg.Sources,
		ingester: cfg.Ingester,
		interval: interval,
		lookback: lookback,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("mailbox poller starting",
		"sources", len(p.sources),
		"interval", p.interval,
		"lookback", p.lookback,
	)

	// Do an initial poll immediately
	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox poller stopping")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one collection and ingestion pass over all sources. A failing
// source does not stop the others.
func (p *Poller) Poll(ctx context.Context) {
	since := p.now().UTC().Add(-p.lookback)

	for _, src := range p.sources {
		if ctx.Err() != nil {
			return
		}

		subs, err := src.Collect(ctx, since)
		if err != nil {
			slog.Error("collection failed", "source", src.Name(), "error", err)
			p.metrics.CollectorError(src.Name())
			if len(subs) == 0 {
				continue
			}
		}
		if len(subs) == 0 {
			slog.Debug("no new report attachments", "source", src.Name())
			continue
		}

		res, err := p.ingester.Ingest(ctx, subs)
		if err != nil {
			slog.Error("ingest failed", "source", src.Name(), "submissions", len(subs), "error", err)
			p.metrics.CollectorError(src.Name())
			continue
		}
		slog.Info("mailbox poll ingested",
			"source", src.Name(),
			"submissions", len(subs),
			"uploaded", res.Uploaded,
			"duplicates", res.Duplicates,
			"invalid", res.Invalid,
			"errors", res.Errors,
		)
	}
}
