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

// Package dedup decides whether a submission or a parsed report has been
// seen before. It checks two tiers: identical bytes (content hash of the
// artifact) and identical logical reports (reporter-assigned report_id).
//
// Every check here is advisory. Concurrent ingesters can race past both
// tiers; the unique constraints enforced by the store at write time are
// what actually guarantees a report is stored once.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/ruaingest/internal/models"
)

// Verdict is the gate's classification of a candidate.
type Verdict int

const (
	New Verdict = iota
	DuplicateArtifact
	DuplicateReport
)

func (v Verdict) String() string {
	switch v {
	case DuplicateArtifact:
		return "duplicate_artifact"
	case DuplicateReport:
		return "duplicate_report"
	default:
		return "new"
	}
}

// DefaultStaleAfter is how long a pending artifact may sit untouched before
// another ingester is allowed to take it over (its owner presumably died).
const DefaultStaleAfter = 15 * time.Minute

// ContentHash returns the lowercase hex SHA-256 of raw submission bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ArtifactStore is the artifact bookkeeping the gate needs.
type ArtifactStore interface {
	// ArtifactByHash returns nil, nil when no artifact has the hash.
	ArtifactByHash(ctx context.Context, hash string) (*models.Artifact, error)
	// ClaimArtifact inserts a as pending, or takes over a failed or stale
	// pending row with the same hash. It sets a.ID and reports whether this
	// caller now owns the artifact.
	ClaimArtifact(ctx context.Context, a *models.Artifact, staleAfter time.Duration) (bool, error)
}

// ReportLookup resolves a reporter-assigned report_id to a stored report.
type ReportLookup interface {
	ReportByReporterID(ctx context.Context, reportID string) (int64, bool, error)
}

// HashCache is an optional fast path in front of the artifact store.
type HashCache interface {
	Seen(ctx context.Context, hash string) (bool, error)
	Remember(ctx context.Context, hash string) error
}

// Gate classifies submissions and parsed reports.
type Gate struct {
	artifacts  ArtifactStore
	reports    ReportLookup
	cache      HashCache
	staleAfter time.Duration
}

// GateConfig holds the gate's dependencies. Cache may be nil.
type GateConfig struct {
	Artifacts  ArtifactStore
	Reports    ReportLookup
	Cache      HashCache
	StaleAfter time.Duration
}

// NewGate creates a deduplication gate.
func NewGate(cfg GateConfig) *Gate {
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return &Gate{
		artifacts:  cfg.Artifacts,
		reports:    cfg.Reports,
		cache:      cfg.Cache,
		staleAfter: stale,
	}
}

// Admit runs the artifact-level check for a freshly received artifact and,
// when the bytes are new, claims the artifact row as pending. Call it before
// any decoding or parsing: both are skipped for duplicate bytes.
//
// On New, a.ID is set and the caller owns the artifact's terminal status.
func (g *Gate) Admit(ctx context.Context, a *models.Artifact) (Verdict, error) {
	if g.cache != nil {
		seen, err := g.cache.Seen(ctx, a.ContentHash)
		if err != nil {
			slog.Warn("hash cache lookup failed, falling back to store", "error", err)
		} else if seen {
			return DuplicateArtifact, nil
		}
	}

	existing, err := g.artifacts.ArtifactByHash(ctx, a.ContentHash)
	if err != nil {
		return New, fmt.Errorf("lookup artifact: %w", err)
	}
	if existing != nil && existing.Status.Handled() {
		a.ID = existing.ID
		a.Status = existing.Status
		a.LinkedReportID = existing.LinkedReportID
		g.Remember(ctx, a.ContentHash)
		return DuplicateArtifact, nil
	}

	claimed, err := g.artifacts.ClaimArtifact(ctx, a, g.staleAfter)
	if err != nil {
		return New, fmt.Errorf("claim artifact: %w", err)
	}
	if !claimed {
		// Someone else holds it: in flight elsewhere, or finished between
		// our lookup and the claim.
		return DuplicateArtifact, nil
	}
	return New, nil
}

// CheckReport runs the report-level check after parsing. On
// DuplicateReport the existing report's id is returned.
func (g *Gate) CheckReport(ctx context.Context, reportID string) (Verdict, int64, error) {
	id, found, err := g.reports.ReportByReporterID(ctx, reportID)
	if err != nil {
		return New, 0, fmt.Errorf("lookup report %s: %w", reportID, err)
	}
	if found {
		return DuplicateReport, id, nil
	}
	return New, 0, nil
}

// Classify combines both tiers read-only, without claiming anything.
func (g *Gate) Classify(ctx context.Context, hash, reportID string) (Verdict, error) {
	existing, err := g.artifacts.ArtifactByHash(ctx, hash)
	if err != nil {
		return New, fmt.Errorf("lookup artifact: %w", err)
	}
	if existing != nil && existing.Status.Handled() {
		return DuplicateArtifact, nil
	}
	v, _, err := g.CheckReport(ctx, reportID)
	return v, err
}

// Remember records a fully handled hash in the cache, if one is configured.
func (g *Gate) Remember(ctx context.Context, hash string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Remember(ctx, hash); err != nil {
		slog.Warn("hash cache update failed", "error", err)
	}
}
