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

// Package ingest drives raw submissions through decoding, parsing,
// deduplication and persistence, one submission at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/ruaingest/internal/decode"
	"github.com/bcem/ruaingest/internal/dedup"
	"github.com/bcem/ruaingest/internal/metrics"
	"github.com/bcem/ruaingest/internal/models"
	"github.com/bcem/ruaingest/internal/parser"
	"github.com/bcem/ruaingest/internal/persist"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifier is told about every newly stored report.
type Notifier interface {
	PublishReport(ctx context.Context, event *models.ReportEvent) error
}

// Config wires the orchestrator's stages. Notifier and Metrics are optional.
type Config struct {
	Store    Pinger
	Gate     *dedup.Gate
	Decoder  *decode.Decoder
	Parser   *parser.Parser
	Writer   *persist.Writer
	Notifier Notifier
	Metrics  *metrics.Metrics

	// Budget bounds the wall-clock time of one Ingest call. It is only
	// checked between submissions. Zero means unlimited.
	Budget time.Duration
}

// Orchestrator runs ingestion batches.
type Orchestrator struct {
	store    Pinger
	gate     *dedup.Gate
	decoder  *decode.Decoder
	parser   *parser.Parser
	writer   *persist.Writer
	notifier Notifier
	metrics  *metrics.Metrics
	budget   time.Duration

	now func() time.Time
}

// NewOrchestrator creates an orchestrator from cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	dec := cfg.Decoder
	if dec == nil {
		dec = decode.NewDecoder(0)
	}
	p := cfg.Parser
	if p == nil {
		p = parser.New(false)
	}
	return &Orchestrator{
		store:    cfg.Store,
		gate:     cfg.Gate,
		decoder:  dec,
		parser:   p,
		writer:   cfg.Writer,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		budget:   cfg.Budget,
		now:      time.Now,
	}
}

// Ingest processes subs in order. Per-item problems never produce an error;
// they are reported in the result. An error is returned only when the store
// is unreachable before any submission is attempted.
//
// Cancelling ctx, or exhausting the budget, stops the batch before the next
// submission. Work already started on a submission always runs to
// completion, so nothing is left half-written.
func (o *Orchestrator) Ingest(ctx context.Context, subs []models.RawSubmission) (*models.IngestionResult, error) {
	start := o.now()
	if err := ctx.Err(); err != nil {
		return notStarted(subs, err), nil
	}
	if err := o.store.Ping(ctx); err != nil {
		// A ping cut short by the caller is a cancellation, not an outage.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return notStarted(subs, ctxErr), nil
		}
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	batchID := uuid.New().String()
	var deadline time.Time
	if o.budget > 0 {
		deadline = start.Add(o.budget)
	}

	result := &models.IngestionResult{Items: make([]models.ItemResult, 0, len(subs))}
	work := context.WithoutCancel(ctx)

	for i := range subs {
		if reason := o.stopReason(ctx, deadline); reason != "" {
			result.Incomplete = true
			result.NotAttempted = len(subs) - i
			slog.Warn("ingest batch stopped early",
				"batch", batchID,
				"reason", reason,
				"not_attempted", result.NotAttempted,
			)
			break
		}
		for _, item := range o.ingestOne(work, batchID, i, subs[i]) {
			result.Add(item)
			o.metrics.Item(string(item.Status))
		}
	}

	result.Elapsed = o.now().Sub(start)
	o.metrics.Batch(result.Elapsed)
	slog.Info("ingest batch complete",
		"batch", batchID,
		"submissions", len(subs),
		"uploaded", result.Uploaded,
		"duplicates", result.Duplicates,
		"invalid", result.Invalid,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// notStarted is the result of a batch stopped before its first submission.
func notStarted(subs []models.RawSubmission, cause error) *models.IngestionResult {
	res := &models.IngestionResult{Items: []models.ItemResult{}}
	if len(subs) > 0 {
		res.Incomplete = true
		res.NotAttempted = len(subs)
		slog.Warn("ingest batch not started", "reason", cause.Error(), "not_attempted", len(subs))
	}
	return res
}

func (o *Orchestrator) stopReason(ctx context.Context, deadline time.Time) string {
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	if !deadline.IsZero() && !o.now().Before(deadline) {
		return "budget exhausted"
	}
	return ""
}

// entry is the outcome of one XML stream within a submission.
type entry struct {
	item     models.ItemResult
	reportID int64 // stored or pre-existing report row, if any
	settled  bool  // the writer already set the artifact's terminal status
}

func (o *Orchestrator) ingestOne(ctx context.Context, batchID string, idx int, sub models.RawSubmission) []models.ItemResult {
	o.metrics.Submission(string(sub.Source))
	log := slog.With("batch", batchID, "submission", idx, "filename", sub.Filename)

	item := models.ItemResult{Submission: idx, Filename: sub.Filename}
	art := &models.Artifact{
		ContentHash: dedup.ContentHash(sub.Data),
		Filename:    sub.Filename,
		FileSize:    int64(len(sub.Data)),
		Source:      sub.Source,
		MessageID:   sub.MessageID,
		ReceivedAt:  sub.ReceivedAt,
	}

	verdict, err := o.gate.Admit(ctx, art)
	if err != nil {
		log.Warn("artifact check failed", "error", err)
		item.Status = models.ItemError
		item.ErrorMessage = err.Error()
		return []models.ItemResult{item}
	}
	if verdict == dedup.DuplicateArtifact {
		log.Info("duplicate artifact skipped", "content_hash", art.ContentHash)
		item.Status = models.ItemDuplicate
		return []models.ItemResult{item}
	}
	log = log.With("artifact_id", art.ID)

	streams, err := o.decoder.Decode(sub.Filename, sub.Data)
	if err != nil {
		log.Warn("undecodable submission", "error", err)
		o.settle(ctx, log, art.ID, models.ArtifactFailed, nil, err.Error())
		item.Status = models.ItemInvalid
		item.ErrorMessage = err.Error()
		return []models.ItemResult{item}
	}

	total := 0
	for _, s := range streams {
		total += len(s.Data)
	}
	o.metrics.Decompressed(total)

	// A lone stream is finalized by the writer in the same transaction as
	// the report. Several streams share one artifact, settled at the end.
	finalize := len(streams) == 1
	entries := make([]entry, 0, len(streams))
	for _, s := range streams {
		e := entry{item: models.ItemResult{Submission: idx, Filename: sub.Filename}}
		if len(streams) > 1 {
			e.item.Filename = sub.Filename + "/" + s.Name
		}
		o.ingestStream(ctx, log.With("entry", e.item.Filename), art.ID, s.Data, finalize, &e)
		entries = append(entries, e)
	}
	o.finalize(ctx, log, art.ID, entries)

	items := make([]models.ItemResult, len(entries))
	handled := false
	for i, e := range entries {
		items[i] = e.item
		if e.item.Status == models.ItemUploaded || e.item.Status == models.ItemDuplicate {
			handled = true
		}
	}
	if handled {
		o.gate.Remember(ctx, art.ContentHash)
	}
	return items
}

func (o *Orchestrator) ingestStream(ctx context.Context, log *slog.Logger, artifactID int64, data []byte, finalize bool, e *entry) {
	report, err := o.parser.Parse(data)
	if err != nil {
		var ve *parser.ValidationError
		if errors.As(err, &ve) {
			e.item.Status = models.ItemInvalid
		} else {
			e.item.Status = models.ItemError
		}
		e.item.ErrorMessage = err.Error()
		log.Warn("report rejected", "error", err)
		return
	}
	e.item.ReportID = report.ReportID

	verdict, existing, err := o.gate.CheckReport(ctx, report.ReportID)
	if err != nil {
		e.item.Status = models.ItemError
		e.item.ErrorMessage = err.Error()
		log.Warn("report check failed", "report_id", report.ReportID, "error", err)
		return
	}
	if verdict == dedup.DuplicateReport {
		e.item.Status = models.ItemDuplicate
		e.reportID = existing
		log.Info("duplicate report", "report_id", report.ReportID, "existing_id", existing)
		return
	}

	res, err := o.writer.Persist(ctx, report, artifactID, finalize)
	e.settled = finalize
	if err != nil {
		e.item.Status = models.ItemError
		e.item.ErrorMessage = err.Error()
		log.Warn("report not stored", "report_id", report.ReportID, "error", err)
		return
	}
	e.reportID = res.ReportID
	if res.Verdict == dedup.DuplicateReport {
		e.item.Status = models.ItemDuplicate
		return
	}

	e.item.Status = models.ItemUploaded
	o.metrics.Records(len(report.Records))
	log.Info("report stored",
		"report_id", report.ReportID,
		"org", report.OrgName,
		"domain", report.Domain,
		"records", len(report.Records),
	)
	if o.notifier != nil {
		if err := o.notifier.PublishReport(ctx, models.NewReportEvent(report)); err != nil {
			log.Warn("report event not published", "report_id", report.ReportID, "error", err)
		}
	}
}

// finalize sets the artifact's terminal status from its entries unless the
// writer already did: processed if anything was stored, duplicate if
// everything valid was already known, failed otherwise.
func (o *Orchestrator) finalize(ctx context.Context, log *slog.Logger, artifactID int64, entries []entry) {
	var uploaded, duplicate *entry
	var problems []string
	for i := range entries {
		e := &entries[i]
		if e.settled {
			return
		}
		switch e.item.Status {
		case models.ItemUploaded:
			if uploaded == nil {
				uploaded = e
			}
		case models.ItemDuplicate:
			if duplicate == nil {
				duplicate = e
			}
		default:
			problems = append(problems, e.item.Filename+": "+e.item.ErrorMessage)
		}
	}

	switch {
	case uploaded != nil:
		o.settle(ctx, log, artifactID, models.ArtifactProcessed, linkOf(uploaded), "")
	case duplicate != nil:
		o.settle(ctx, log, artifactID, models.ArtifactDuplicate, linkOf(duplicate), "")
	default:
		o.settle(ctx, log, artifactID, models.ArtifactFailed, nil, strings.Join(problems, "; "))
	}
}

func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, artifactID int64, status models.ArtifactStatus, linked *int64, msg string) {
	if err := o.writer.Finish(ctx, artifactID, status, linked, msg); err != nil {
		log.Error("could not settle artifact", "status", status, "error", err)
	}
}

func linkOf(e *entry) *int64 {
	if e.reportID == 0 {
		return nil
	}
	id := e.reportID
	return &id
}
