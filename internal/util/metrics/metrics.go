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

// Package metrics holds shared Prometheus bucket and label definitions
// so that every subsystem's histograms are comparable.
package metrics

// LatencyBuckets is used for all per-operation duration histograms
// across the stream processor, sync reconciler, and persistence
// gateway.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// ViewLabels is attached to metrics keyed by view id.
var ViewLabels = []string{"view_id"}

// TableLabels is attached to metrics keyed by table name.
var TableLabels = []string{"table"}
