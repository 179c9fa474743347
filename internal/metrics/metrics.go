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

// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline and its collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors.
type Metrics struct {
	Submissions       *prometheus.CounterVec
	Items             *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	DecompressedBytes prometheus.Histogram
	RecordsStored     prometheus.Counter
	CollectorErrors   *prometheus.CounterVec
}

// New registers the pipeline metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruaingest_submissions_total",
				Help: "Raw submissions received, by source",
			},
			[]string{"source"},
		),
		Items: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruaingest_items_total",
				Help: "Per-item ingestion outcomes",
			},
			[]string{"status"},
		),
		BatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ruaingest_batch_duration_seconds",
				Help:    "Wall-clock time of one Ingest call",
				Buckets: prometheus.DefBuckets,
			},
		),
		DecompressedBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ruaingest_decompressed_bytes",
				Help:    "Decoded XML bytes per submission",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		RecordsStored: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ruaingest_records_stored_total",
				Help: "Record rows written",
			},
		),
		CollectorErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruaingest_collector_errors_total",
				Help: "Collector runs that failed, by collector",
			},
			[]string{"collector"},
		),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(source string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(source).Inc()
}

func (m *Metrics) Item(status string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(status).Inc()
}

func (m *Metrics) Batch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}

func (m *Metrics) Decompressed(n int) {
	if m == nil {
		return
	}
	m.DecompressedBytes.Observe(float64(n))
}

func (m *Metrics) Records(n int) {
	if m == nil {
		return
	}
	m.RecordsStored.Add(float64(n))
}

func (m *Metrics) CollectorError(collector string) {
	if m == nil {
		return
	}
	m.CollectorErrors.WithLabelValues(collector).Inc()
}
