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

package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/reconciler"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

// controllableRemote lets a test flip Mutate between failing and
// succeeding, and records every id it was asked to mutate or fetch.
type controllableRemote struct {
	fakeRemote
	fail int32 // atomic bool: 1 = Mutate fails

	mu       sync.Mutex
	mutated  []ident.RecordID
	selected []ident.RecordID
}

func (r *controllableRemote) Mutate(_ context.Context, m types.Mutation) error {
	if atomic.LoadInt32(&r.fail) == 1 {
		return &types.RemoteError{Op: "mutate", Err: errors.New("simulated outage")}
	}
	r.mu.Lock()
	r.mutated = append(r.mutated, m.ID)
	r.mu.Unlock()
	return nil
}

func (r *controllableRemote) SelectByIDs(ctx context.Context, ids []ident.RecordID) ([]types.Record, error) {
	r.mu.Lock()
	r.selected = append(r.selected, ids...)
	r.mu.Unlock()
	return r.fakeRemote.SelectByIDs(ctx, ids)
}

func TestReconcilerUpBeforeDownPriority(t *testing.T) {
	remote := &controllableRemote{
		fakeRemote: fakeRemote{records: map[ident.RecordID]types.Record{
			ident.New("orders", "9"): {ID: ident.New("orders", "9"), Table: ident.NewTable("orders"), Fields: map[string]any{}},
		}},
	}
	atomic.StoreInt32(&remote.fail, 1)

	sp := &fakeStreamProcessor{}
	r := reconciler.New(sp, remote, reconciler.Config{
		BackoffBase: time.Millisecond, BackoffCap: 20 * time.Millisecond, MaxRetries: 100,
	}, nil)

	sctx := stopper.WithContext(context.Background())
	r.Run(sctx)
	defer sctx.Stop(time.Second)

	r.EnqueueMutation(types.Mutation{Type: types.OpCreate, ID: ident.New("orders", "1"), Data: map[string]any{}})
	r.EnqueueDownEvent(types.DownEvent{
		Kind: types.DownSync, ViewID: "v1",
		RemoteArray: []types.VersionEntry{{ID: ident.New("orders", "9"), Version: 1}},
	})

	// While the up-queue mutation keeps failing, the down-queue event
	// must not be dispatched: the view stays empty.
	time.Sleep(50 * time.Millisecond)
	local, _, _ := sp.ViewArray("v1")
	require.Empty(t, local, "downloader must not run ahead of a non-empty up-queue")

	atomic.StoreInt32(&remote.fail, 0)

	require.Eventually(t, func() bool {
		local, _, _ := sp.ViewArray("v1")
		return len(local) == 1
	}, time.Second, 5*time.Millisecond, "down-queue event should dispatch once the up-queue drains")

	require.Equal(t, 0, r.Up.Len())
}

func TestReconcilerEnqueueMutationIsUploaded(t *testing.T) {
	remote := &controllableRemote{}
	sp := &fakeStreamProcessor{}
	r := reconciler.New(sp, remote, reconciler.Config{}, nil)

	sctx := stopper.WithContext(context.Background())
	r.Run(sctx)
	defer sctx.Stop(time.Second)

	r.EnqueueMutation(types.Mutation{Type: types.OpCreate, ID: ident.New("orders", "1")})

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.mutated) == 1
	}, time.Second, 5*time.Millisecond)
}
