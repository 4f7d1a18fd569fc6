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
	"context"

	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

// Downloader drains the down-queue, honoring the up-before-down
// priority rule (spec.md §4.6.2: "the downloader pauses while the
// up-queue is non-empty") and dispatching each DownEvent through the
// convergence loop.
type Downloader struct {
	sp            StreamProcessor
	remote        types.Remote
	up            *UpQueue
	down          *DownQueue
	schema        FlattenSchema
	kMax          int
	log           *logrus.Entry
	registerEvent func(viewID, sql string, params map[string]any) // for DownRegister bookkeeping hooks, may be nil
}

// NewDownloader constructs a Downloader. kMax of zero falls back to
// DefaultKMax.
func NewDownloader(
	sp StreamProcessor, remote types.Remote, up *UpQueue, down *DownQueue, schema FlattenSchema, kMax int, log *logrus.Entry,
) *Downloader {
	if kMax <= 0 {
		kMax = DefaultKMax
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Downloader{sp: sp, remote: remote, up: up, down: down, schema: schema, kMax: kMax, log: log}
}

// Run drains the down-queue until sctx is stopped.
func (d *Downloader) Run(sctx *stopper.Context) {
	sctx.Go(func() error {
		for {
			d.up.Wait(sctx)
			if sctx.Err() != nil {
				return nil
			}

			event, ok := d.down.Pop(sctx)
			if !ok {
				return nil
			}
			d.dispatch(sctx, event)
		}
	})
}

// dispatch handles one down-queue event. Handler failures are logged
// and do not halt the downloader (spec.md §4.6.5: the down-queue is
// best-effort and self-healing via re-delivery).
func (d *Downloader) dispatch(ctx context.Context, event types.DownEvent) {
	var err error
	switch event.Kind {
	case types.DownRegister:
		err = d.handleRegister(ctx, event)
	case types.DownSync:
		err = d.handleSync(ctx, event)
	case types.DownHeartbeat:
		err = d.handleHeartbeat(ctx, event)
	case types.DownCleanup:
		err = d.handleCleanup(event)
	default:
		err = &types.ProtocolViolation{ViewID: event.ViewID, Reason: "unknown down-queue event kind"}
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		d.log.WithError(err).WithField("view_id", event.ViewID).
			WithField("kind", event.Kind).Warn("downloader: handler failed")
	}
	downEventsHandled.WithLabelValues(kindLabel(event.Kind), outcome).Inc()
}

func kindLabel(k types.DownEventKind) string {
	switch k {
	case types.DownRegister:
		return "register"
	case types.DownSync:
		return "sync"
	case types.DownHeartbeat:
		return "heartbeat"
	case types.DownCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// handleRegister completes a remote-acknowledged registerView by
// converging the newly registered view's contents against the
// versionArray the remote returned (spec.md §4.3, the Register flow's
// second half once the remote round-trip lands).
func (d *Downloader) handleRegister(ctx context.Context, event types.DownEvent) error {
	return Converge(ctx, d.sp, d.remote, event.ViewID, event.RemoteArray, d.schema, d.kMax, d.log)
}

// handleSync reconciles a view whose remote versionArray has diverged
// from the locally cached one, e.g. because another client's write
// invalidated rows this client also reads (spec.md §4.6.4).
func (d *Downloader) handleSync(ctx context.Context, event types.DownEvent) error {
	return Converge(ctx, d.sp, d.remote, event.ViewID, event.RemoteArray, d.schema, d.kMax, d.log)
}

// handleHeartbeat keeps the remote's view-lease alive. The remote
// itself drives TTL expiry; this client need only answer the liveness
// probe (spec.md §4.3, "TTL-based view lifecycle").
func (d *Downloader) handleHeartbeat(ctx context.Context, event types.DownEvent) error {
	return d.remote.Heartbeat(ctx, event.ViewID)
}

// handleCleanup unregisters a view the remote has expired or the
// owning client has explicitly torn down.
func (d *Downloader) handleCleanup(event types.DownEvent) error {
	if unregisterer, ok := d.sp.(interface{ UnregisterView(viewID string) }); ok {
		unregisterer.UnregisterView(event.ViewID)
		return nil
	}
	return &types.ProtocolViolation{ViewID: event.ViewID, Reason: "stream processor does not support unregistration"}
}
