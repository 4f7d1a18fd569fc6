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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/reconciler"
	"github.com/viewsync/viewsync/internal/types"
)

func TestUpQueuePeekDoesNotRemove(t *testing.T) {
	q := reconciler.NewUpQueue()
	q.Push(types.Mutation{Type: types.OpCreate, ID: ident.New("orders", "1")})

	m, ok := q.Peek(context.Background())
	require.True(t, ok)
	require.Equal(t, ident.New("orders", "1"), m.ID)
	require.Equal(t, 1, q.Len())

	q.Pop()
	require.Equal(t, 0, q.Len())
}

func TestUpQueuePeekBlocksUntilPush(t *testing.T) {
	q := reconciler.NewUpQueue()
	done := make(chan types.Mutation, 1)
	go func() {
		m, ok := q.Peek(context.Background())
		require.True(t, ok)
		done <- m
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(types.Mutation{Type: types.OpUpdate, ID: ident.New("orders", "2")})

	select {
	case m := <-done:
		require.Equal(t, ident.New("orders", "2"), m.ID)
	case <-time.After(time.Second):
		t.Fatal("Peek did not unblock after Push")
	}
}

func TestUpQueuePeekRespectsCancellation(t *testing.T) {
	q := reconciler.NewUpQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Peek(ctx)
	require.False(t, ok)
}

func TestUpQueueWaitReturnsImmediatelyWhenEmpty(t *testing.T) {
	q := reconciler.NewUpQueue()
	done := make(chan struct{})
	go func() {
		q.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return for an already-empty queue")
	}
}

func TestUpQueueSnapshotRestoreRoundTrip(t *testing.T) {
	q := reconciler.NewUpQueue()
	q.Push(types.Mutation{Type: types.OpCreate, ID: ident.New("orders", "1"), Data: map[string]any{"total": 1}})
	q.Push(types.Mutation{Type: types.OpDelete, ID: ident.New("orders", "2")})

	data, err := q.Snapshot()
	require.NoError(t, err)

	restored := reconciler.NewUpQueue()
	require.NoError(t, restored.Restore(data))
	require.Equal(t, 2, restored.Len())

	m, ok := restored.Peek(context.Background())
	require.True(t, ok)
	require.Equal(t, ident.New("orders", "1"), m.ID)
}

func TestDownQueuePopBlocksUntilPush(t *testing.T) {
	q := reconciler.NewDownQueue()
	done := make(chan types.DownEvent, 1)
	go func() {
		e, ok := q.Pop(context.Background())
		require.True(t, ok)
		done <- e
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(types.DownEvent{Kind: types.DownHeartbeat, ViewID: "v1"})

	select {
	case e := <-done:
		require.Equal(t, "v1", e.ViewID)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
	require.Equal(t, 0, q.Len())
}
