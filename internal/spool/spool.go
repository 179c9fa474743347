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

// Package spool ingests report files dropped into a directory. Each file is
// moved to done/ or failed/ once its outcome is known; files are left in
// place when ingestion could not be attempted, and retried on the next pass.
package spool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bcem/ruaingest/internal/metrics"
	"github.com/bcem/ruaingest/internal/models"
)

const (
	doneDir   = "done"
	failedDir = "failed"
)

// Ingester consumes a batch of submissions.
type Ingester interface {
	Ingest(ctx context.Context, subs []models.RawSubmission) (*models.IngestionResult, error)
}

// Watcher watches a spool directory.
type Watcher struct {
	dir         string
	ingester    Ingester
	maxFileSize int64
	debounce    time.Duration
	rescan      time.Duration
	metrics     *metrics.Metrics
}

// Config holds dependencies for the watcher.
type Config struct {
	Dir         string
	Ingester    Ingester
	MaxFileSize int64
	// Debounce is how long a file must stay unmodified before it is read.
	Debounce time.Duration
	// Rescan is how often the whole directory is swept again, picking up
	// files left behind by a failed or cut-short batch. Defaults to ten
	// debounce periods.
	Rescan  time.Duration
	Metrics *metrics.Metrics
}

// New creates a watcher, making sure done/ and failed/ exist.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory not set")
	}
	for _, sub := range []string{doneDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool %s dir: %w", sub, err)
		}
	}
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = 25 << 20
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	rescan := cfg.Rescan
	if rescan <= 0 {
		rescan = 10 * debounce
	}
	return &Watcher{
		dir:         cfg.Dir,
		ingester:    cfg.Ingester,
		maxFileSize: maxSize,
		debounce:    debounce,
		rescan:      rescan,
		metrics:     cfg.Metrics,
	}, nil
}

// Run sweeps the directory once, then ingests files as they settle and
// re-sweeps every rescan interval. It blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	slog.Info("spool watcher starting", "dir", w.dir, "debounce", w.debounce, "rescan", w.rescan)

	// Anything already waiting, including leftovers from a previous run.
	w.Sweep(ctx)

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	rescan := time.NewTicker(w.rescan)
	defer rescan.Stop()

	pending := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			slog.Info("spool watcher stopping")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !candidate(name) {
				continue
			}
			pending[name] = time.Now()
		case <-ticker.C:
			now := time.Now()
			var ready []string
			for name, t := range pending {
				if now.Sub(t) >= w.debounce {
					ready = append(ready, name)
					delete(pending, name)
				}
			}
			if len(ready) > 0 {
				sort.Strings(ready)
				w.process(ctx, ready)
			}
		case <-rescan.C:
			// Files still settling are left to the debounce path.
			w.sweep(ctx, pending)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("spool watch error", "error", err)
		}
	}
}

// Sweep ingests every file currently in the spool directory.
func (w *Watcher) Sweep(ctx context.Context) {
	w.sweep(ctx, nil)
}

func (w *Watcher) sweep(ctx context.Context, skip map[string]time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		slog.Error("spool sweep failed", "dir", w.dir, "error", err)
		w.metrics.CollectorError("spool")
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !candidate(e.Name()) {
			continue
		}
		if _, settling := skip[e.Name()]; settling {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) > 0 {
		w.process(ctx, names)
	}
}

// candidate skips hidden files, which uploaders use for partial writes.
func candidate(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".")
}

func (w *Watcher) process(ctx context.Context, names []string) {
	var subs []models.RawSubmission
	var files []string
	for _, name := range names {
		path := filepath.Join(w.dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue // already moved, or not a file
		}
		if info.Size() > w.maxFileSize {
			slog.Warn("spool file over size cap", "file", name, "size", info.Size(), "max", w.maxFileSize)
			w.move(name, failedDir)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("spool file unreadable", "file", name, "error", err)
			continue
		}
		subs = append(subs, models.RawSubmission{
			Data:       data,
			Filename:   name,
			Source:     models.SourceUpload,
			ReceivedAt: info.ModTime().UTC(),
		})
		files = append(files, name)
	}
	if len(subs) == 0 {
		return
	}

	res, err := w.ingester.Ingest(ctx, subs)
	if err != nil {
		slog.Error("spool ingest failed, files left in place", "files", len(files), "error", err)
		w.metrics.CollectorError("spool")
		return
	}

	outcome := make(map[int]string)
	for _, item := range res.Items {
		switch item.Status {
		case models.ItemUploaded, models.ItemDuplicate:
			outcome[item.Submission] = doneDir
		default:
			if outcome[item.Submission] == "" {
				outcome[item.Submission] = failedDir
			}
		}
	}
	for i, name := range files {
		if dest, ok := outcome[i]; ok {
			w.move(name, dest)
		}
	}

	slog.Info("spool batch ingested",
		"files", len(files),
		"uploaded", res.Uploaded,
		"duplicates", res.Duplicates,
		"invalid", res.Invalid,
		"errors", res.Errors,
		"not_attempted", res.NotAttempted,
	)
}

func (w *Watcher) move(name, sub string) {
	src := filepath.Join(w.dir, name)
	dst := filepath.Join(w.dir, sub, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(w.dir, sub, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	if err := os.Rename(src, dst); err != nil {
		slog.Error("could not move spool file", "file", name, "to", sub, "error", err)
	}
}
