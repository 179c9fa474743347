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

package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/ruaingest/internal/models"
)

// --- Mock ingester ---

// mockIngester decides each file's outcome from its name prefix.
type mockIngester struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	fails   int // calls that fail with err before the ingester recovers; 0 = always
	stopAt  int // submissions at or after this index are not attempted; 0 = none
}

func (m *mockIngester) Ingest(_ context.Context, subs []models.RawSubmission) (*models.IngestionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, s := range subs {
		names = append(names, s.Filename)
	}
	m.batches = append(m.batches, names)
	if m.err != nil && (m.fails == 0 || len(m.batches) <= m.fails) {
		return nil, m.err
	}

	res := &models.IngestionResult{}
	for i, s := range subs {
		if m.stopAt > 0 && i >= m.stopAt {
			res.Incomplete = true
			res.NotAttempted = len(subs) - i
			break
		}
		if s.Source != models.SourceUpload {
			res.Add(models.ItemResult{Submission: i, Filename: s.Filename, Status: models.ItemError, ErrorMessage: "wrong source"})
			continue
		}
		switch {
		case strings.HasPrefix(s.Filename, "good"):
			res.Add(models.ItemResult{Submission: i, Filename: s.Filename, Status: models.ItemUploaded})
		case strings.HasPrefix(s.Filename, "dup"):
			res.Add(models.ItemResult{Submission: i, Filename: s.Filename, Status: models.ItemDuplicate})
		case strings.HasPrefix(s.Filename, "mixed"):
			res.Add(models.ItemResult{Submission: i, Filename: s.Filename + "/a.xml", Status: models.ItemInvalid})
			res.Add(models.ItemResult{Submission: i, Filename: s.Filename + "/b.xml", Status: models.ItemUploaded})
		default:
			res.Add(models.ItemResult{Submission: i, Filename: s.Filename, Status: models.ItemInvalid})
		}
	}
	return res, nil
}

func (m *mockIngester) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newWatcher(t *testing.T, ing Ingester, maxSize int64) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Ingester: ing, MaxFileSize: maxSize, Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, dir
}

func TestNew_CreatesOutcomeDirs(t *testing.T) {
	_, dir := newWatcher(t, &mockIngester{}, 0)
	for _, sub := range []string{doneDir, failedDir} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("%s dir missing: %v", sub, err)
		}
	}
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty dir succeeded")
	}
}

func TestSweep_MovesByOutcome(t *testing.T) {
	ing := &mockIngester{}
	w, dir := newWatcher(t, ing, 1024)

	writeFile(t, dir, "good.xml", "<feedback/>")
	writeFile(t, dir, "dup.xml.gz", "gz")
	writeFile(t, dir, "bad.zip", "zip")
	writeFile(t, dir, "mixed.zip", "zip")
	writeFile(t, dir, "huge.xml", strings.Repeat("x", 2048))
	writeFile(t, dir, ".partial.xml", "ignored")

	w.Sweep(context.Background())

	if ing.calls() != 1 {
		t.Fatalf("ingest calls = %d, want 1 batch", ing.calls())
	}
	if got := len(ing.batches[0]); got != 4 {
		t.Errorf("batch = %v, want 4 files (oversize and hidden excluded)", ing.batches[0])
	}

	want := map[string]string{
		"good.xml":   doneDir,
		"dup.xml.gz": doneDir,
		"mixed.zip":  doneDir,
		"bad.zip":    failedDir,
		"huge.xml":   failedDir,
	}
	for name, sub := range want {
		if !exists(filepath.Join(dir, sub, name)) {
			t.Errorf("%s not moved to %s/", name, sub)
		}
		if exists(filepath.Join(dir, name)) {
			t.Errorf("%s still in spool", name)
		}
	}
	if !exists(filepath.Join(dir, ".partial.xml")) {
		t.Error("hidden file was touched")
	}
}

func TestSweep_SystemicFailureLeavesFiles(t *testing.T) {
	ing := &mockIngester{err: errors.New("store unreachable")}
	w, dir := newWatcher(t, ing, 0)
	writeFile(t, dir, "good.xml", "<feedback/>")

	w.Sweep(context.Background())

	if !exists(filepath.Join(dir, "good.xml")) {
		t.Error("file moved despite systemic failure")
	}
}

func TestSweep_NotAttemptedStayForNextPass(t *testing.T) {
	ing := &mockIngester{stopAt: 1}
	w, dir := newWatcher(t, ing, 0)
	writeFile(t, dir, "good-1.xml", "a")
	writeFile(t, dir, "good-2.xml", "b")

	w.Sweep(context.Background())

	if !exists(filepath.Join(dir, doneDir, "good-1.xml")) {
		t.Error("attempted file not moved to done/")
	}
	if !exists(filepath.Join(dir, "good-2.xml")) {
		t.Fatal("not-attempted file was moved")
	}

	ing.stopAt = 0
	w.Sweep(context.Background())
	if !exists(filepath.Join(dir, doneDir, "good-2.xml")) {
		t.Error("second sweep did not pick up the leftover")
	}
}

func TestMove_NameCollision(t *testing.T) {
	ing := &mockIngester{}
	w, dir := newWatcher(t, ing, 0)

	writeFile(t, dir, "good.xml", "first")
	w.Sweep(context.Background())
	writeFile(t, dir, "good.xml", "second")
	w.Sweep(context.Background())

	entries, err := os.ReadDir(filepath.Join(dir, doneDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("done/ has %d entries, want both copies kept", len(entries))
	}
}

func TestRun_IngestsDroppedFiles(t *testing.T) {
	ing := &mockIngester{}
	w, dir := newWatcher(t, ing, 0)
	writeFile(t, dir, "good-early.xml", "already here")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	waitFor := func(path string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if exists(path) {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("%s never appeared", path)
	}

	waitFor(filepath.Join(dir, doneDir, "good-early.xml"))

	writeFile(t, dir, "good-late.xml", "dropped while running")
	writeFile(t, dir, "broken.xml", "dropped while running")
	waitFor(filepath.Join(dir, doneDir, "good-late.xml"))
	waitFor(filepath.Join(dir, failedDir, "broken.xml"))

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_RetriesFilesLeftBySystemicFailure(t *testing.T) {
	ing := &mockIngester{err: errors.New("store unreachable"), fails: 1}
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Ingester: ing, Debounce: 20 * time.Millisecond, Rescan: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	// Give the watcher time to register before dropping the file.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "good.xml", "<feedback/>")

	done := filepath.Join(dir, doneDir, "good.xml")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !exists(done) {
		time.Sleep(20 * time.Millisecond)
	}
	if !exists(done) {
		t.Fatalf("file not retried: ingest calls = %d, still in spool = %v",
			ing.calls(), exists(filepath.Join(dir, "good.xml")))
	}
	if ing.calls() < 2 {
		t.Errorf("ingest calls = %d, want the failed batch retried", ing.calls())
	}
}

func TestRun_RescanPicksUpNotAttempted(t *testing.T) {
	ing := &mockIngester{stopAt: 1}
	dir := t.TempDir()
	writeFile(t, dir, "good-1.xml", "a")
	writeFile(t, dir, "good-2.xml", "b")
	w, err := New(Config{Dir: dir, Ingester: ing, Debounce: 20 * time.Millisecond, Rescan: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	second := filepath.Join(dir, doneDir, "good-2.xml")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !exists(second) {
		time.Sleep(20 * time.Millisecond)
	}
	if !exists(second) {
		t.Fatal("not-attempted file never ingested by a later rescan")
	}
	if !exists(filepath.Join(dir, doneDir, "good-1.xml")) {
		t.Error("first file not moved to done/")
	}
}
