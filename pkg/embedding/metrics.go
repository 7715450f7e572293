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

package embedding

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsEmbedding holds Prometheus metrics for the embedding subsystem.
// Lazy-initialized so importing the package never registers collectors.
type metricsEmbedding struct {
	once sync.Once

	retries  prometheus.Counter
	requests prometheus.Counter
	texts    prometheus.Counter
	duration prometheus.Histogram
}

var embMetrics metricsEmbedding

func (m *metricsEmbedding) init() {
	m.once.Do(func() {
		m.retries = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_embed_retries_total", Help: "Embedding sub-batch retries"})
		m.requests = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_embed_requests_total", Help: "Embedding provider calls"})
		m.texts = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_embed_texts_total", Help: "Texts embedded"})
		m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cks_embed_seconds",
			Help:    "Embedding call duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		})
		prometheus.MustRegister(m.retries, m.requests, m.texts, m.duration)
	})
}

// record helpers - used by the retry loop and providers
func recordEmbedRetry() { embMetrics.init(); embMetrics.retries.Inc() }

func recordEmbedRequest(texts int, seconds float64) {
	embMetrics.init()
	embMetrics.requests.Inc()
	embMetrics.texts.Add(float64(texts))
	embMetrics.duration.Observe(seconds)
}
