// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package streamproc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/viewsync/viewsync/internal/util/metrics"
)

var (
	recomputeDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamproc_recompute_duration_seconds",
		Help:    "the length of time it took to recompute a view after an ingest",
		Buckets: metrics.LatencyBuckets,
	}, metrics.ViewLabels)
	recomputeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamproc_recompute_errors_total",
		Help: "the number of times a view recomputation raised an evaluator error",
	}, metrics.ViewLabels)
	viewUpdatesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamproc_view_updates_total",
		Help: "the number of ViewUpdate values emitted because a view's resultHash changed",
	}, metrics.ViewLabels)
	degradedViewsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamproc_degraded_views",
		Help: "the number of views currently marked degraded",
	})
)
