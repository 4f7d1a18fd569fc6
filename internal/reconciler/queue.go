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

// Package reconciler implements the Sync Reconciler: the up-queue and
// down-queue workers that keep the local Stream Processor converged
// with an authoritative remote replica (spec.md §4.6).
package reconciler

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/notify"
)

// UpQueue is the FIFO of pending local mutations awaiting upload.
// Snapshot/Restore serialize and reload its contents, but the reference
// daemon does not call them: its Persistence Gateway snapshots only the
// Stream Processor, so the queue does not survive a restart.
// RecordID's MarshalText/UnmarshalText make
// types.Mutation round-trip through encoding/json without a bespoke
// wire type.
type UpQueue struct {
	mu struct {
		sync.Mutex
		items []types.Mutation
	}
	length *notify.Var[int]
}

// NewUpQueue constructs an empty UpQueue.
func NewUpQueue() *UpQueue {
	return &UpQueue{length: notify.New(0)}
}

// Push enqueues a mutation.
func (q *UpQueue) Push(m types.Mutation) {
	q.mu.Lock()
	q.mu.items = append(q.mu.items, m)
	n := len(q.mu.items)
	q.mu.Unlock()
	q.length.Set(n)
}

// Peek blocks until the queue is non-empty or ctx is done, then returns
// the head item without removing it.
func (q *UpQueue) Peek(ctx context.Context) (types.Mutation, bool) {
	for {
		q.mu.Lock()
		if len(q.mu.items) > 0 {
			head := q.mu.items[0]
			q.mu.Unlock()
			return head, true
		}
		_, versionCh := q.length.Get()
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Mutation{}, false
		case <-versionCh:
		}
	}
}

// Pop removes the head item; it is only ever called after a successful
// remote acknowledgement (spec.md §4.6.3: "removed from the queue only
// on remote acknowledgement").
func (q *UpQueue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.mu.items) == 0 {
		return
	}
	q.mu.items = q.mu.items[1:]
	q.length.Set(len(q.mu.items))
}

// Len returns the current queue depth.
func (q *UpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mu.items)
}

// Wait blocks until the queue is empty or ctx is done. Used by the
// downloader to implement the up-before-down priority rule (spec.md
// §4.6.2).
func (q *UpQueue) Wait(ctx context.Context) {
	for {
		q.mu.Lock()
		empty := len(q.mu.items) == 0
		_, versionCh := q.length.Get()
		q.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-versionCh:
		}
	}
}

// Snapshot serializes the queue's contents for the Persistence Gateway.
func (q *UpQueue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return json.Marshal(q.mu.items)
}

// Restore reloads the queue's contents from a prior Snapshot.
func (q *UpQueue) Restore(data []byte) error {
	var items []types.Mutation
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	q.mu.Lock()
	q.mu.items = items
	n := len(items)
	q.mu.Unlock()
	q.length.Set(n)
	return nil
}

// DownQueue is the in-memory FIFO of remote-originated events populated
// by the Router (spec.md §4.6.1). It carries no persistence: a missed
// Register/Sync/Heartbeat/Cleanup is simply re-delivered by the remote
// or re-derived on the next query lifecycle event.
type DownQueue struct {
	mu struct {
		sync.Mutex
		items []types.DownEvent
	}
	length *notify.Var[int]
}

// NewDownQueue constructs an empty DownQueue.
func NewDownQueue() *DownQueue {
	return &DownQueue{length: notify.New(0)}
}

func (q *DownQueue) Push(e types.DownEvent) {
	q.mu.Lock()
	q.mu.items = append(q.mu.items, e)
	n := len(q.mu.items)
	q.mu.Unlock()
	q.length.Set(n)
}

// Pop blocks until an item is available or ctx is done, and removes it.
func (q *DownQueue) Pop(ctx context.Context) (types.DownEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.mu.items) > 0 {
			head := q.mu.items[0]
			q.mu.items = q.mu.items[1:]
			n := len(q.mu.items)
			q.mu.Unlock()
			q.length.Set(n)
			return head, true
		}
		_, versionCh := q.length.Get()
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.DownEvent{}, false
		case <-versionCh:
		}
	}
}

func (q *DownQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mu.items)
}
