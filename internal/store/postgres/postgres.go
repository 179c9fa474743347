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

// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/ruaingest/internal/models"
	"github.com/bcem/ruaingest/internal/store"
)

// schemaLockID serialises concurrent schema bootstrap across replicas.
const schemaLockID int64 = 0x72756131

// Store is a Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given pool. It ensures the schema
// exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ingest schema: %w", err)
	}
	slog.Info("report store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS reports (
				id                 BIGSERIAL PRIMARY KEY,
				report_id          TEXT NOT NULL,
				org_name           TEXT NOT NULL,
				email              TEXT NOT NULL,
				extra_contact_info TEXT,
				date_begin         TIMESTAMPTZ NOT NULL,
				date_end           TIMESTAMPTZ NOT NULL,
				domain             TEXT NOT NULL,
				adkim              TEXT NOT NULL DEFAULT 'r',
				aspf               TEXT NOT NULL DEFAULT 'r',
				p                  TEXT NOT NULL,
				sp                 TEXT NOT NULL,
				pct                INTEGER NOT NULL DEFAULT 100 CHECK (pct BETWEEN 0 AND 100),
				created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT reports_report_id_key UNIQUE (report_id),
				CONSTRAINT reports_date_range_check CHECK (date_begin <= date_end)
			);
			CREATE INDEX IF NOT EXISTS idx_reports_domain ON reports(domain, date_begin);

			CREATE TABLE IF NOT EXISTS records (
				id            BIGSERIAL PRIMARY KEY,
				report_id     BIGINT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
				source_ip     INET NOT NULL,
				count         BIGINT NOT NULL CHECK (count > 0),
				disposition   TEXT NOT NULL CHECK (disposition IN ('none', 'quarantine', 'reject')),
				policy_dkim   TEXT NOT NULL DEFAULT 'none',
				policy_spf    TEXT NOT NULL DEFAULT 'none',
				reason        TEXT,
				dkim_result   TEXT NOT NULL DEFAULT 'none',
				dkim_domain   TEXT NOT NULL DEFAULT '',
				dkim_selector TEXT NOT NULL DEFAULT '',
				spf_result    TEXT NOT NULL DEFAULT 'none',
				spf_domain    TEXT NOT NULL DEFAULT '',
				spf_scope     TEXT NOT NULL DEFAULT '',
				header_from   TEXT NOT NULL DEFAULT '',
				envelope_from TEXT,
				envelope_to   TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_records_report ON records(report_id);

			CREATE TABLE IF NOT EXISTS ingested_artifacts (
				id               BIGSERIAL PRIMARY KEY,
				content_hash     TEXT NOT NULL,
				filename         TEXT NOT NULL DEFAULT '',
				file_size        BIGINT NOT NULL DEFAULT 0,
				source           TEXT NOT NULL,
				message_id       TEXT,
				status           TEXT NOT NULL DEFAULT 'pending'
				                 CHECK (status IN ('pending', 'processed', 'duplicate', 'failed')),
				error_message    TEXT,
				linked_report_id BIGINT REFERENCES reports(id) ON DELETE SET NULL,
				received_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT ingested_artifacts_content_hash_key UNIQUE (content_hash)
			);
			CREATE INDEX IF NOT EXISTS idx_artifacts_status ON ingested_artifacts(status);
		`)
		return err
	})
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ArtifactByHash retrieves an artifact by content hash.
func (s *Store) ArtifactByHash(ctx context.Context, hash string) (*models.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, content_hash, filename, file_size, source,
		       COALESCE(message_id, ''), status, COALESCE(error_message, ''),
		       linked_report_id, received_at, updated_at
		FROM ingested_artifacts
		WHERE content_hash = $1
	`, hash)
	return scanArtifact(row)
}

// ClaimArtifact inserts a pending artifact or re-claims a failed or stale one.
func (s *Store) ClaimArtifact(ctx context.Context, a *models.Artifact, staleAfter time.Duration) (bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingested_artifacts
			(content_hash, filename, file_size, source, message_id, status, received_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'pending', $6)
		ON CONFLICT ON CONSTRAINT ingested_artifacts_content_hash_key DO UPDATE SET
			filename         = EXCLUDED.filename,
			file_size        = EXCLUDED.file_size,
			source           = EXCLUDED.source,
			message_id       = EXCLUDED.message_id,
			status           = 'pending',
			error_message    = NULL,
			linked_report_id = NULL,
			received_at      = EXCLUDED.received_at,
			updated_at       = NOW()
		WHERE ingested_artifacts.status = 'failed'
		   OR (ingested_artifacts.status = 'pending'
		       AND ingested_artifacts.updated_at < NOW() - make_interval(secs => $7))
		RETURNING id
	`, a.ContentHash, a.Filename, a.FileSize, string(a.Source), a.MessageID, receivedAt(a), staleAfter.Seconds()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.ID = id
	a.Status = models.ArtifactPending
	return true, nil
}

// FinishArtifact sets the terminal status of a pending artifact.
func (s *Store) FinishArtifact(ctx context.Context, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	return finishArtifact(ctx, s.pool, id, status, linkedReportID, errMsg)
}

// ReportByReporterID returns the row id of the report with the given
// reporter-assigned id.
func (s *Store) ReportByReporterID(ctx context.Context, reportID string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM reports WHERE report_id = $1`, reportID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// InTx runs fn inside a transaction.
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// Counts returns row counts for the three tables.
func (s *Store) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM ingested_artifacts),
		       (SELECT count(*) FROM reports),
		       (SELECT count(*) FROM records)
	`).Scan(&c.Artifacts, &c.Reports, &c.Records)
	return c, err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertReport(ctx context.Context, r *models.Report) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reports
			(report_id, org_name, email, extra_contact_info, date_begin, date_end,
			 domain, adkim, aspf, p, sp, pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, r.ReportID, r.OrgName, r.Email, r.ExtraContactInfo, r.DateBegin, r.DateEnd,
		r.Domain, r.ADKIM, r.ASPF, r.P, r.SP, r.Pct).Scan(&id, &r.CreatedAt)
	if isUniqueViolation(err, store.ConstraintReportID) {
		return 0, store.ErrDuplicateReport
	}
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

var recordColumns = []string{
	"report_id", "source_ip", "count", "disposition", "policy_dkim", "policy_spf", "reason",
	"dkim_result", "dkim_domain", "dkim_selector", "spf_result", "spf_domain", "spf_scope",
	"header_from", "envelope_from", "envelope_to",
}

func (t *pgTx) InsertRecords(ctx context.Context, reportID int64, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{"records"}, recordColumns,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			r := recs[i]
			ip, err := netip.ParseAddr(r.SourceIP)
			if err != nil {
				return nil, fmt.Errorf("record %d source_ip: %w", i, err)
			}
			return []any{
				reportID, ip, r.Count, r.Disposition, r.PolicyDKIM, r.PolicySPF, r.Reason,
				r.DKIMResult, r.DKIMDomain, r.DKIMSelector, r.SPFResult, r.SPFDomain, r.SPFScope,
				r.HeaderFrom, r.EnvelopeFrom, r.EnvelopeTo,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy records: %w", err)
	}
	if int(n) != len(recs) {
		return fmt.Errorf("copy records: wrote %d of %d rows", n, len(recs))
	}
	return nil
}

func (t *pgTx) FinishArtifact(ctx context.Context, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	return finishArtifact(ctx, t.tx, id, status, linkedReportID, errMsg)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func finishArtifact(ctx context.Context, db execer, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	tag, err := db.Exec(ctx, `
		UPDATE ingested_artifacts
		SET status = $2, linked_report_id = $3, error_message = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), linkedReportID, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrArtifactNotPending
	}
	return nil
}

func scanArtifact(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	var source, status string
	err := row.Scan(
		&a.ID, &a.ContentHash, &a.Filename, &a.FileSize, &source,
		&a.MessageID, &status, &a.ErrorMessage,
		&a.LinkedReportID, &a.ReceivedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Source = models.Source(source)
	a.Status = models.ArtifactStatus(status)
	return &a, nil
}

func receivedAt(a *models.Artifact) time.Time {
	if a.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}
	return a.ReceivedAt
}

// isUniqueViolation reports whether err is a unique_violation (SQLSTATE
// 23505) on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
