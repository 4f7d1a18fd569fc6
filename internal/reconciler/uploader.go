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
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/notify"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

// Uploader drains the up-queue, applying each mutation to the remote
// with exponential backoff on transient failure (spec.md §4.6.3).
type Uploader struct {
	remote      types.Remote
	queue       *UpQueue
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	log         *logrus.Entry

	// connectivity is signalled externally (e.g. by a health check or a
	// successful downloader round-trip) to wake an uploader that has
	// exhausted its retry budget and suspended (spec.md §4.6.3: "the
	// uploader suspends until a connectivity signal arrives").
	connectivity *notify.Var[int]
}

// NewUploader constructs an Uploader. maxRetries/backoffBase/backoffCap
// of zero fall back to the Open Question defaults (spec.md §4.4 NEW).
func NewUploader(
	remote types.Remote, queue *UpQueue, maxRetries int, backoffBase, backoffCap time.Duration, log *logrus.Entry,
) *Uploader {
	if maxRetries <= 0 {
		maxRetries = DefaultUploadMaxRetries
	}
	if backoffBase <= 0 {
		backoffBase = DefaultUploadBackoffBase
	}
	if backoffCap <= 0 {
		backoffCap = DefaultUploadBackoffCap
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Uploader{
		remote: remote, queue: queue,
		maxRetries: maxRetries, backoffBase: backoffBase, backoffCap: backoffCap,
		log: log, connectivity: notify.New(0),
	}
}

// SignalConnectivity wakes a suspended uploader to retry its
// head-of-queue mutation immediately.
func (u *Uploader) SignalConnectivity() {
	u.connectivity.Update(func(n int) int { return n + 1 })
}

// Run drains the up-queue until sctx is stopped. On cancellation it
// finishes (or abandons) the item currently in flight and exits; an
// item is popped only once acknowledged, so an abandoned one stays at
// the head of the in-memory queue.
func (u *Uploader) Run(sctx *stopper.Context) {
	sctx.Go(func() error {
		for {
			mutation, ok := u.queue.Peek(sctx)
			if !ok {
				return nil
			}
			if !u.uploadWithRetry(sctx, mutation) {
				return nil // context cancelled mid-retry
			}
			u.queue.Pop()
		}
	})
}

// uploadWithRetry applies mutation, retrying with backoff up to
// maxRetries. It returns false only if sctx was cancelled before the
// mutation could be acknowledged (the caller must not Pop in that
// case); on a connectivity suspension it waits indefinitely for a
// SignalConnectivity call or cancellation, then resumes retrying.
func (u *Uploader) uploadWithRetry(sctx *stopper.Context, mutation types.Mutation) bool {
	attempt := 0
	for {
		err := u.applyOnce(sctx, mutation)
		if err == nil {
			return true
		}
		if sctx.Err() != nil {
			return false
		}

		var authErr *types.AuthError
		if errors.As(err, &authErr) {
			u.log.WithError(err).Warn("uploader: remote rejected credentials, suspending until connectivity signal")
			if !u.waitConnectivity(sctx) {
				return false
			}
			attempt = 0
			continue
		}

		if attempt >= u.maxRetries {
			u.log.WithError(err).WithField("mutation_id", mutation.ID.String()).
				Error("uploader: exhausted retry budget, suspending until connectivity signal")
			if !u.waitConnectivity(sctx) {
				return false
			}
			attempt = 0
			continue
		}

		if waitErr := waitBackoff(sctx, attempt, u.backoffBase, u.backoffCap); waitErr != nil {
			return false
		}
		attempt++
	}
}

func (u *Uploader) waitConnectivity(sctx *stopper.Context) bool {
	_, versionCh := u.connectivity.Get()
	select {
	case <-sctx.Stopping():
		return false
	case <-versionCh:
		return true
	}
}

func (u *Uploader) applyOnce(ctx context.Context, mutation types.Mutation) error {
	var err error
	switch mutation.Type {
	case types.OpCreate, types.OpUpdate, types.OpDelete:
		err = u.remote.Mutate(ctx, mutation)
	default:
		err = &types.ProtocolViolation{Reason: "unknown mutation type in up-queue"}
	}
	if err != nil {
		uploadAttempts.WithLabelValues("failure").Inc()
	} else {
		uploadAttempts.WithLabelValues("success").Inc()
	}
	uploadQueueDepth.Set(float64(u.queue.Len()))
	return err
}
