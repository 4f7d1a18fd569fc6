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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

// Config collects the Sync Reconciler's tunables, all defaulted from
// the Open Question resolutions recorded in SPEC_FULL.md §4.4.
type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	KMax          int
	FlattenSchema FlattenSchema
}

// Reconciler is the Router-facing façade over the up-queue, down-queue,
// Uploader and Downloader: the complete Sync Reconciler subsystem
// (spec.md §4.6, component C7).
type Reconciler struct {
	Up   *UpQueue
	Down *DownQueue

	uploader   *Uploader
	downloader *Downloader
	log        *logrus.Entry
}

// New wires an Uploader and Downloader against sp and remote, sharing
// one UpQueue/DownQueue pair between them.
func New(sp StreamProcessor, remote types.Remote, cfg Config, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	up := NewUpQueue()
	down := NewDownQueue()
	return &Reconciler{
		Up:   up,
		Down: down,
		uploader: NewUploader(remote, up, cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffCap,
			log.WithField("component", "uploader")),
		downloader: NewDownloader(sp, remote, up, down, cfg.FlattenSchema, cfg.KMax,
			log.WithField("component", "downloader")),
		log: log,
	}
}

// Run starts both the uploader and the downloader under sctx.
func (r *Reconciler) Run(sctx *stopper.Context) {
	r.uploader.Run(sctx)
	r.downloader.Run(sctx)
}

// EnqueueMutation is the Router-facing entry point for a locally
// originated write that must propagate to the remote (spec.md §4.6.1).
func (r *Reconciler) EnqueueMutation(m types.Mutation) {
	r.Up.Push(m)
	uploadQueueDepth.Set(float64(r.Up.Len()))
}

// EnqueueDownEvent is the Router-facing entry point for a
// remote-originated notification delivered over the Remote API's
// subscription stream (spec.md §4.6.2).
func (r *Reconciler) EnqueueDownEvent(e types.DownEvent) {
	r.Down.Push(e)
}

// SignalConnectivity wakes a suspended uploader, e.g. after the
// daemon's Remote API client reconnects.
func (r *Reconciler) SignalConnectivity() {
	r.uploader.SignalConnectivity()
}
