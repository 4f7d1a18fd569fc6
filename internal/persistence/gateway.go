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

// Package persistence implements the Persistence Gateway: a debounced
// snapshot of the Stream Processor's view registry to an opaque
// key-value store (spec.md §4.5).
package persistence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

// DefaultDebounce is T_snap from spec.md §4.5: the quiescence window
// after the last dirty-marking before a snapshot is written.
const DefaultDebounce = 2 * time.Second

// Snapshotter is the subset of streamproc.Processor the Gateway needs.
// Defined here, not imported from streamproc, to avoid a persistence
// <-> streamproc import cycle (the reference daemon wires the two
// together at construction time).
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// Gateway debounces writes of target's state to kv under key. Every
// call to MarkDirty resets the quiescence timer; after Debounce has
// elapsed with no further marks, one snapshot is written. On Stop, a
// final synchronous snapshot is taken regardless of the timer state.
type Gateway struct {
	kv       types.KV
	key      string
	target   Snapshotter
	debounce time.Duration
	log      *logrus.Entry

	dirtyCh chan struct{}
}

// New constructs a Gateway. Callers should call Load once at startup
// to best-effort restore prior state, then Run to begin the debounce
// loop.
func New(kv types.KV, key string, target Snapshotter, debounce time.Duration, log *logrus.Entry) *Gateway {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{kv: kv, key: key, target: target, debounce: debounce, log: log, dirtyCh: make(chan struct{}, 1)}
}

// Load best-effort restores target's state from kv. A missing key is
// not an error (first run); a corrupt value is logged and otherwise
// ignored, leaving target in whatever state Restore left it in
// (streamproc.Processor.Restore resets itself to empty on corruption).
func (g *Gateway) Load(ctx context.Context) error {
	data, found, err := g.kv.Get(ctx, g.key)
	if err != nil {
		return &types.StorageError{Op: "persistence:load", Err: err}
	}
	if !found {
		return nil
	}
	if err := g.target.Restore(data); err != nil {
		g.log.WithError(err).Warn("persistence: snapshot restore failed")
	}
	return nil
}

// MarkDirty signals that target's state has changed and a snapshot is
// owed after the next quiescence window.
func (g *Gateway) MarkDirty() {
	select {
	case g.dirtyCh <- struct{}{}:
	default:
		// A pending mark is already queued; the debounce loop will
		// still pick up this change since it hasn't flushed yet.
	}
}

// Run drives the debounce loop until sctx is stopped, at which point it
// performs one final synchronous flush before returning.
func (g *Gateway) Run(sctx *stopper.Context) {
	sctx.Go(func() error {
		for {
			select {
			case <-sctx.Stopping():
				g.flush(context.Background())
				return nil
			case <-g.dirtyCh:
				g.waitQuiescenceThenFlush(sctx)
			}
		}
	})
}

func (g *Gateway) waitQuiescenceThenFlush(sctx *stopper.Context) {
	timer := time.NewTimer(g.debounce)
	defer timer.Stop()
	for {
		select {
		case <-sctx.Stopping():
			g.flush(context.Background())
			return
		case <-g.dirtyCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(g.debounce)
		case <-timer.C:
			g.flush(context.Background())
			return
		}
	}
}

func (g *Gateway) flush(ctx context.Context) {
	data, err := g.target.Snapshot()
	if err != nil {
		g.log.WithError(err).Error("persistence: snapshot serialization failed")
		return
	}
	if err := g.kv.Set(ctx, g.key, data); err != nil {
		g.log.WithError(err).Error("persistence: snapshot write failed")
	}
}
