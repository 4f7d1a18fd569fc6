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

package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/persistence"
	"github.com/viewsync/viewsync/internal/persistence/memkv"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

type fakeTarget struct {
	mu   sync.Mutex
	data []byte
}

func (f *fakeTarget) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...), nil
}

func (f *fakeTarget) Restore(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append([]byte(nil), data...)
	return nil
}

func (f *fakeTarget) set(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = []byte(data)
}

func TestGatewayDebouncesWritesUntilQuiescence(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	target := &fakeTarget{}
	gw := persistence.New(kv, "snap", target, 30*time.Millisecond, nil)

	sctx := stopper.WithContext(ctx)

	target.set("v1")
	gw.MarkDirty()
	time.Sleep(10 * time.Millisecond)
	target.set("v2")
	gw.MarkDirty() // coalesced with the pending mark; nothing flushes before Run

	gw.Run(sctx)

	time.Sleep(80 * time.Millisecond)
	data, found, err := kv.Get(ctx, "snap")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(data))

	sctx.Stop(time.Second)
}

func TestGatewayFlushesOnStop(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	target := &fakeTarget{}
	gw := persistence.New(kv, "snap", target, time.Hour, nil)
	sctx := stopper.WithContext(ctx)
	gw.Run(sctx)

	target.set("final")
	gw.MarkDirty()
	// Stop immediately, well before the hour-long debounce would fire;
	// the final flush on shutdown must still happen.
	sctx.Stop(time.Second)

	data, found, err := kv.Get(ctx, "snap")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "final", string(data))
}

func TestGatewayLoadRestoresExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	require.NoError(t, kv.Set(ctx, "snap", []byte("restored")))
	target := &fakeTarget{}
	gw := persistence.New(kv, "snap", target, time.Second, nil)

	require.NoError(t, gw.Load(ctx))
	snap, err := target.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "restored", string(snap))
}

func TestGatewayLoadMissingKeyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	target := &fakeTarget{}
	gw := persistence.New(kv, "snap", target, time.Second, nil)
	require.NoError(t, gw.Load(ctx))
}
