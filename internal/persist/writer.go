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

// Package persist writes parsed reports and settles the status of the
// artifact they came from.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/ruaingest/internal/dedup"
	"github.com/bcem/ruaingest/internal/models"
	"github.com/bcem/ruaingest/internal/store"
)

// PersistenceError is a database failure unrelated to duplication.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Result is the outcome of a successful Persist call. Verdict is New when
// the report was written, DuplicateReport when a concurrent writer had
// already stored the same report_id; ReportID is the row id in either case.
type Result struct {
	Verdict  dedup.Verdict
	ReportID int64
}

// Writer performs the transactional write of a report and its records.
type Writer struct {
	store store.Store
}

// NewWriter creates a writer on top of st.
func NewWriter(st store.Store) *Writer {
	return &Writer{store: st}
}

// Persist inserts the report and its records in one transaction. When
// finalize is set the artifact is marked processed in the same
// transaction, or marked duplicate/failed afterwards if the write loses a
// race or fails. Callers that settle the artifact themselves (one artifact,
// several reports) pass finalize=false.
func (w *Writer) Persist(ctx context.Context, report *models.Report, artifactID int64, finalize bool) (Result, error) {
	var newID int64
	err := w.store.InTx(ctx, func(tx store.Tx) error {
		id, err := tx.InsertReport(ctx, report)
		if err != nil {
			return err
		}
		if err := tx.InsertRecords(ctx, id, report.Records); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		if finalize {
			if err := tx.FinishArtifact(ctx, artifactID, models.ArtifactProcessed, &id, ""); err != nil {
				return fmt.Errorf("finish artifact %d: %w", artifactID, err)
			}
		}
		newID = id
		return nil
	})
	if err == nil {
		report.ID = newID
		return Result{Verdict: dedup.New, ReportID: newID}, nil
	}
	report.ID = 0

	if errors.Is(err, store.ErrDuplicateReport) {
		winner, found, lerr := w.store.ReportByReporterID(ctx, report.ReportID)
		if lerr == nil && !found {
			lerr = fmt.Errorf("report %s vanished after unique violation", report.ReportID)
		}
		if lerr != nil {
			return Result{}, w.fail(ctx, artifactID, finalize, &PersistenceError{Op: "lookup winning report", Err: lerr})
		}
		slog.Info("report stored concurrently, recording duplicate",
			"report_id", report.ReportID, "existing_id", winner, "artifact_id", artifactID)
		if finalize {
			if err := w.MarkDuplicate(ctx, artifactID, winner); err != nil {
				return Result{}, err
			}
		}
		return Result{Verdict: dedup.DuplicateReport, ReportID: winner}, nil
	}

	return Result{}, w.fail(ctx, artifactID, finalize, &PersistenceError{Op: "store report " + report.ReportID, Err: err})
}

func (w *Writer) fail(ctx context.Context, artifactID int64, finalize bool, pe *PersistenceError) error {
	if finalize {
		if err := w.MarkFailed(ctx, artifactID, pe.Error()); err != nil {
			slog.Error("could not mark artifact failed", "artifact_id", artifactID, "error", err)
		}
	}
	return pe
}

// MarkDuplicate settles an artifact as a duplicate of an existing report.
// A zero existingReportID leaves the artifact unlinked.
func (w *Writer) MarkDuplicate(ctx context.Context, artifactID, existingReportID int64) error {
	var linked *int64
	if existingReportID != 0 {
		linked = &existingReportID
	}
	return w.Finish(ctx, artifactID, models.ArtifactDuplicate, linked, "")
}

// MarkFailed settles an artifact as failed with the given reason.
func (w *Writer) MarkFailed(ctx context.Context, artifactID int64, reason string) error {
	return w.Finish(ctx, artifactID, models.ArtifactFailed, nil, reason)
}

// Finish sets an artifact's terminal status.
func (w *Writer) Finish(ctx context.Context, artifactID int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	if err := w.store.FinishArtifact(ctx, artifactID, status, linkedReportID, errMsg); err != nil {
		return &PersistenceError{Op: fmt.Sprintf("mark artifact %d %s", artifactID, status), Err: err}
	}
	return nil
}
