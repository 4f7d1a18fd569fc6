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

package streamproc_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/depindex"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/store/memstore"
	"github.com/viewsync/viewsync/internal/streamproc"
	"github.com/viewsync/viewsync/internal/types"
)

func newProcessor() (*streamproc.Processor, *memstore.Store) {
	store := memstore.New()
	idx := depindex.New()
	return streamproc.New(store, idx, nil), store
}

// TestScenarioS1SimpleViewIngestThenRegister covers S1: ingest two user
// rows, then register a plain "SELECT * FROM user" view.
func TestScenarioS1SimpleViewIngestThenRegister(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()

	_, err := sp.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"),
		map[string]any{"name": "alice"}, true)
	require.NoError(t, err)
	_, err = sp.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "2"),
		map[string]any{"name": "bob"}, true)
	require.NoError(t, err)

	update, err := sp.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)
	require.Len(t, update.VersionArray, 2)
	for _, e := range update.VersionArray {
		require.Equal(t, uint64(1), e.Version)
	}
	require.NotEqual(t, [32]byte{}, update.ResultHash)
}

// TestScenarioS2SubqueryDrivenBump covers S2: a view with a correlated
// subquery must recompute when the subquery's target table changes,
// not just the primary table.
func TestScenarioS2SubqueryDrivenBump(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()

	_, err := sp.Ingest(ctx, ident.NewTable("author"), types.OpCreate, ident.New("author", "a"),
		map[string]any{"name": "A"}, true)
	require.NoError(t, err)

	sql := `SELECT *, (SELECT * FROM author WHERE id = $parent.author)[0] AS ad FROM thread`
	_, err = sp.RegisterView(ctx, types.View{ViewID: "v2", SQL: sql})
	require.NoError(t, err)

	updates, err := sp.Ingest(ctx, ident.NewTable("thread"), types.OpCreate, ident.New("thread", "t"),
		map[string]any{"author": "author:a"}, true)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "v2", updates[0].ViewID)
	require.Len(t, updates[0].VersionArray, 1)
	require.Equal(t, uint64(1), updates[0].VersionArray[0].Version)

	updates, err = sp.Ingest(ctx, ident.NewTable("author"), types.OpUpdate, ident.New("author", "a"),
		map[string]any{"name": "A2"}, true)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "v2", updates[0].ViewID)
	require.Equal(t, uint64(2), updates[0].VersionArray[0].Version)
}

// TestScenarioS3ReregistrationRace covers S3: concurrently registering
// the same view definition twice and ingesting must not produce
// duplicate rows or an error, and the final row count must match the
// store.
func TestScenarioS3ReregistrationRace(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()

	view := types.View{ViewID: "v1", SQL: "SELECT * FROM user"}
	_, err := sp.RegisterView(ctx, view)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = sp.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"),
			map[string]any{"name": "alice"}, true)
	}()
	go func() {
		defer wg.Done()
		_, _ = sp.RegisterView(ctx, view)
	}()
	wg.Wait()

	final, err := sp.RegisterView(ctx, view)
	require.NoError(t, err)
	require.LessOrEqual(t, len(final.VersionArray), 1)
	ids := map[string]bool{}
	for _, e := range final.VersionArray {
		require.False(t, ids[e.ID.String()], "duplicate row in view")
		ids[e.ID.String()] = true
	}
}

// TestScenarioS6DeterministicHashAcrossInsertionOrder covers S6 and
// Testable Property 1: two independent processors ingesting the same
// rows in opposite order must agree on resultHash after registering
// the same view.
func TestScenarioS6DeterministicHashAcrossInsertionOrder(t *testing.T) {
	ctx := context.Background()
	spA, _ := newProcessor()
	spB, _ := newProcessor()

	_, err := spA.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"), map[string]any{"n": 1.0}, true)
	require.NoError(t, err)
	_, err = spA.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "2"), map[string]any{"n": 2.0}, true)
	require.NoError(t, err)

	_, err = spB.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "2"), map[string]any{"n": 2.0}, true)
	require.NoError(t, err)
	_, err = spB.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"), map[string]any{"n": 1.0}, true)
	require.NoError(t, err)

	updateA, err := spA.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)
	updateB, err := spB.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)

	require.Equal(t, updateA.ResultHash, updateB.ResultHash)
}

// TestDegradedIsolation covers Testable Property 7: a view whose query
// raises an EvalError at recompute time must not block updates for
// other, healthy views affected by the same ingest.
func TestDegradedIsolation(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()

	_, err := sp.RegisterView(ctx, types.View{ViewID: "healthy", SQL: "SELECT * FROM user"})
	require.NoError(t, err)
	_, err = sp.RegisterView(ctx, types.View{ViewID: "broken", SQL: "SELECT * FROM user WHERE name = $missingParam"})
	require.NoError(t, err)

	updates, err := sp.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"),
		map[string]any{"name": "alice"}, true)
	require.NoError(t, err)

	var sawHealthy bool
	for _, u := range updates {
		if u.ViewID == "healthy" {
			sawHealthy = true
		}
		require.NotEqual(t, "broken", u.ViewID, "a degraded view must not emit an update")
	}
	require.True(t, sawHealthy)
	require.Contains(t, sp.DegradedViews(), "broken")
}

func TestRegisterViewIdempotent(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()
	view := types.View{ViewID: "v1", SQL: "SELECT * FROM user"}

	first, err := sp.RegisterView(ctx, view)
	require.NoError(t, err)
	second, err := sp.RegisterView(ctx, view)
	require.NoError(t, err)
	require.Equal(t, first.ResultHash, second.ResultHash)
}

func TestRegisterViewConflictOnDifferentSQL(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()
	_, err := sp.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)

	_, err = sp.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM thread"})
	require.Error(t, err)
	var pv *types.ProtocolViolation
	require.ErrorAs(t, err, &pv)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()

	_, err := sp.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"),
		map[string]any{"name": "alice"}, true)
	require.NoError(t, err)
	before, err := sp.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)

	data, err := sp.Snapshot()
	require.NoError(t, err)

	store := memstore.New()
	idx := depindex.New()
	restored := streamproc.New(store, idx, nil)
	require.NoError(t, restored.Restore(data))

	again, err := restored.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)
	require.Equal(t, before.ResultHash, again.ResultHash)
}

func TestSetRecordVersionUnknownViewIsNoOp(t *testing.T) {
	sp, _ := newProcessor()
	_, ok := sp.SetRecordVersion("missing", ident.New("user", "1"), 5)
	require.False(t, ok)
}

// TestDirtyHookFiresOnMutatingCallsOnly covers the Persistence Gateway
// wiring contract: SetDirtyHook's callback must fire for every
// registry-mutating call, and must not fire for a call that leaves the
// registry unchanged (e.g. SetRecordVersion on an unknown view).
func TestDirtyHookFiresOnMutatingCallsOnly(t *testing.T) {
	ctx := context.Background()
	sp, _ := newProcessor()

	var mu sync.Mutex
	dirtyCount := 0
	sp.SetDirtyHook(func() {
		mu.Lock()
		defer mu.Unlock()
		dirtyCount++
	})

	_, ok := sp.SetRecordVersion("missing", ident.New("user", "1"), 5)
	require.False(t, ok)
	require.Equal(t, 0, dirtyCount)

	_, err := sp.RegisterView(ctx, types.View{ViewID: "v1", SQL: "SELECT * FROM user"})
	require.NoError(t, err)
	require.Equal(t, 1, dirtyCount)

	_, err = sp.Ingest(ctx, ident.NewTable("user"), types.OpCreate, ident.New("user", "1"),
		map[string]any{"name": "alice"}, true)
	require.NoError(t, err)
	require.Equal(t, 2, dirtyCount)

	sp.UnregisterView("v1")
	require.Equal(t, 3, dirtyCount)

	sp.UnregisterView("v1") // already gone: no further mutation, no extra dirty mark
	require.Equal(t, 3, dirtyCount)
}
