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

package search

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsSearch struct {
	once sync.Once

	queries  prometheus.Counter
	duration prometheus.Histogram
}

var searchMetrics metricsSearch

func (m *metricsSearch) init() {
	m.once.Do(func() {
		m.queries = prometheus.NewCounter(prometheus.CounterOpts{Name: "cks_search_queries_total", Help: "Semantic search queries served"})
		m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cks_search_seconds",
			Help:    "Semantic search duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		})
		prometheus.MustRegister(m.queries, m.duration)
	})
}

func recordSearch(seconds float64) {
	searchMetrics.init()
	searchMetrics.queries.Inc()
	searchMetrics.duration.Observe(seconds)
}
