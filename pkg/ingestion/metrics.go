// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngestion holds Prometheus metrics for the indexing pipeline.
// Lazy-initialized so importing the package never registers collectors.
type metricsIngestion struct {
	once sync.Once

	filesProcessed prometheus.Counter
	filesFailed    prometheus.Counter
	chunksCreated  prometheus.Counter
	indexDuration  prometheus.Histogram
	updateDuration prometheus.Histogram
}

var ingMetrics metricsIngestion

func (m *metricsIngestion) init() {
	m.once.Do(func() {
		m.filesProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_ingest_files_processed_total", Help: "Files fully indexed"})
		m.filesFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_ingest_files_failed_total", Help: "Files that failed indexing"})
		m.chunksCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_ingest_chunks_created_total", Help: "Chunks produced by the splitter"})
		m.indexDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cks_ingest_index_seconds",
			Help:    "Full repository index duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		})
		m.updateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cks_ingest_update_seconds",
			Help:    "Incremental update duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		})
		prometheus.MustRegister(m.filesProcessed, m.filesFailed, m.chunksCreated, m.indexDuration, m.updateDuration)
	})
}

func recordFileProcessed(chunks int) {
	ingMetrics.init()
	ingMetrics.filesProcessed.Inc()
	ingMetrics.chunksCreated.Add(float64(chunks))
}

func recordFileFailed() { ingMetrics.init(); ingMetrics.filesFailed.Inc() }

func recordIndexDuration(seconds float64) {
	ingMetrics.init()
	ingMetrics.indexDuration.Observe(seconds)
}

func recordUpdateDuration(seconds float64) {
	ingMetrics.init()
	ingMetrics.updateDuration.Observe(seconds)
}
