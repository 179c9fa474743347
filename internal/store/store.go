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

// Package store defines the persistence contract for ingested artifacts,
// reports and records. Implementations must enforce two unique keys:
// content_hash on artifacts and report_id on reports. Everything above the
// store treats those constraints as the final word on duplication.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bcem/ruaingest/internal/models"
)

// Constraint names are part of the persisted contract; external tooling
// relies on them.
const (
	ConstraintContentHash = "ingested_artifacts_content_hash_key"
	ConstraintReportID    = "reports_report_id_key"
)

var (
	// ErrDuplicateReport is returned by Tx.InsertReport when another report
	// with the same report_id is already stored.
	ErrDuplicateReport = errors.New("report_id already stored")

	// ErrArtifactNotPending is returned when a terminal status is set on an
	// artifact that already has one.
	ErrArtifactNotPending = errors.New("artifact is not pending")
)

// Counts is a row count snapshot, used by health checks and tests.
type Counts struct {
	Artifacts int64 `json:"artifacts"`
	Reports   int64 `json:"reports"`
	Records   int64 `json:"records"`
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	Ping(ctx context.Context) error

	// ArtifactByHash returns nil, nil when no artifact has the hash.
	ArtifactByHash(ctx context.Context, hash string) (*models.Artifact, error)
	// ClaimArtifact inserts a as pending, or takes over an existing row with
	// the same hash that is failed or has been pending longer than
	// staleAfter. On success a.ID is set and true is returned.
	ClaimArtifact(ctx context.Context, a *models.Artifact, staleAfter time.Duration) (bool, error)
	// FinishArtifact sets the terminal status of a pending artifact.
	FinishArtifact(ctx context.Context, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error

	// ReportByReporterID resolves a reporter-assigned report_id.
	ReportByReporterID(ctx context.Context, reportID string) (int64, bool, error)

	// InTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Tx) error) error

	Counts(ctx context.Context) (Counts, error)
}

// Tx is the write surface available inside a transaction.
type Tx interface {
	// InsertReport stores the report header and returns its id. A report_id
	// collision yields ErrDuplicateReport.
	InsertReport(ctx context.Context, r *models.Report) (int64, error)
	InsertRecords(ctx context.Context, reportID int64, recs []models.Record) error
	FinishArtifact(ctx context.Context, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error
}
