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

// Package memory is an in-process store.Store. It enforces the same unique
// keys as the Postgres store and applies a transaction's writes only on
// commit, so it stands in for the database in tests and dry runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bcem/ruaingest/internal/models"
	"github.com/bcem/ruaingest/internal/store"
)

// Store keeps artifacts, reports and records in maps.
type Store struct {
	txMu sync.Mutex // one transaction at a time
	mu   sync.Mutex // guards the fields below

	nextID     int64
	artifacts  map[int64]*models.Artifact
	byHash     map[string]int64
	reports    map[int64]*models.Report
	byReportID map[string]int64
	records    map[int64][]models.Record

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		artifacts:  make(map[int64]*models.Artifact),
		byHash:     make(map[string]int64),
		reports:    make(map[int64]*models.Report),
		byReportID: make(map[string]int64),
		records:    make(map[int64][]models.Record),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) ArtifactByHash(_ context.Context, hash string) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	a := *s.artifacts[id]
	return &a, nil
}

// Artifact returns a copy of the artifact with the given id.
func (s *Store) Artifact(id int64) (models.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return models.Artifact{}, false
	}
	return *a, true
}

// Artifacts returns copies of all artifacts in id order.
func (s *Store) Artifacts() []models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Artifact, 0, len(s.artifacts))
	for id := int64(1); id <= s.nextID; id++ {
		if a, ok := s.artifacts[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Report returns a copy of a stored report with its records attached.
func (s *Store) Report(id int64) (*models.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Records = append([]models.Record(nil), s.records[id]...)
	return &cp, true
}

func (s *Store) ClaimArtifact(_ context.Context, a *models.Artifact, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if id, ok := s.byHash[a.ContentHash]; ok {
		cur := s.artifacts[id]
		stale := cur.Status == models.ArtifactPending && now.Sub(cur.UpdatedAt) > staleAfter
		if cur.Status != models.ArtifactFailed && !stale {
			return false, nil
		}
		a.ID = id
	} else {
		s.nextID++
		a.ID = s.nextID
		s.byHash[a.ContentHash] = a.ID
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = now
	}
	a.Status = models.ArtifactPending
	a.ErrorMessage = ""
	a.LinkedReportID = nil
	a.UpdatedAt = now
	cp := *a
	s.artifacts[a.ID] = &cp
	return true, nil
}

func (s *Store) FinishArtifact(_ context.Context, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(id, status, linkedReportID, errMsg)
}

func (s *Store) finishLocked(id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	a, ok := s.artifacts[id]
	if !ok || a.Status != models.ArtifactPending {
		return store.ErrArtifactNotPending
	}
	a.Status = status
	a.ErrorMessage = errMsg
	if linkedReportID != nil {
		v := *linkedReportID
		a.LinkedReportID = &v
	}
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) ReportByReporterID(_ context.Context, reportID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byReportID[reportID]
	return id, ok, nil
}

func (s *Store) Counts(context.Context) (store.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := store.Counts{
		Artifacts: int64(len(s.artifacts)),
		Reports:   int64(len(s.reports)),
	}
	for _, recs := range s.records {
		c.Records += int64(len(recs))
	}
	return c, nil
}

// InTx stages writes in a tx and applies them only if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{s: s}
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

type pendingFinish struct {
	id     int64
	status models.ArtifactStatus
	linked *int64
	errMsg string
}

type tx struct {
	s        *Store
	reports  []*models.Report
	records  map[int64][]models.Record
	finishes []pendingFinish
}

func (t *tx) InsertReport(_ context.Context, r *models.Report) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.byReportID[r.ReportID]; ok {
		return 0, store.ErrDuplicateReport
	}
	for _, staged := range t.reports {
		if staged.ReportID == r.ReportID {
			return 0, store.ErrDuplicateReport
		}
	}
	t.s.nextID++
	cp := *r
	cp.ID = t.s.nextID
	cp.CreatedAt = t.s.now()
	cp.Records = nil
	t.reports = append(t.reports, &cp)
	r.ID = cp.ID
	r.CreatedAt = cp.CreatedAt
	return cp.ID, nil
}

func (t *tx) InsertRecords(_ context.Context, reportID int64, recs []models.Record) error {
	if t.records == nil {
		t.records = make(map[int64][]models.Record)
	}
	for _, r := range recs {
		r.ReportID = reportID
		t.records[reportID] = append(t.records[reportID], r)
	}
	return nil
}

func (t *tx) FinishArtifact(_ context.Context, id int64, status models.ArtifactStatus, linkedReportID *int64, errMsg string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.artifacts[id]
	if !ok || a.Status != models.ArtifactPending {
		return store.ErrArtifactNotPending
	}
	t.finishes = append(t.finishes, pendingFinish{id, status, linkedReportID, errMsg})
	return nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range t.finishes {
		if a, ok := s.artifacts[f.id]; !ok || a.Status != models.ArtifactPending {
			return store.ErrArtifactNotPending
		}
	}
	for _, r := range t.reports {
		s.reports[r.ID] = r
		s.byReportID[r.ReportID] = r.ID
	}
	for reportID, recs := range t.records {
		for i := range recs {
			s.nextID++
			recs[i].ID = s.nextID
		}
		s.records[reportID] = append(s.records[reportID], recs...)
	}
	for _, f := range t.finishes {
		_ = s.finishLocked(f.id, f.status, f.linked, f.errMsg)
	}
	return nil
}
