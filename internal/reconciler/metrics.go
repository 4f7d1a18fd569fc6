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

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viewsync",
		Subsystem: "reconciler",
		Name:      "upload_attempts_total",
		Help:      "Number of mutation upload attempts, by outcome.",
	}, []string{"outcome"})

	uploadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewsync",
		Subsystem: "reconciler",
		Name:      "upload_queue_depth",
		Help:      "Current depth of the up-queue.",
	})

	convergenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewsync",
		Subsystem: "reconciler",
		Name:      "convergence_duration_seconds",
		Help:      "Latency of one Converge call, from first NextSet to termination.",
		Buckets:   prometheus.DefBuckets,
	})

	convergenceIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewsync",
		Subsystem: "reconciler",
		Name:      "convergence_iterations",
		Help:      "Number of loop iterations a Converge call took before stopping.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32},
	})

	downEventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viewsync",
		Subsystem: "reconciler",
		Name:      "down_events_total",
		Help:      "Down-queue events dispatched, by kind and outcome.",
	}, []string{"kind", "outcome"})
)
