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

package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/store/memstore"
	"github.com/viewsync/viewsync/internal/types"
)

func TestUpsertGetDelete(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	id := ident.New("user", "1")

	require.NoError(t, s.Upsert(ctx, id, map[string]any{"name": "alice"}))
	rec, ok, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", rec.Fields["name"])

	require.NoError(t, s.Delete(ctx, id))
	_, ok, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteFiltersByTable(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Upsert(ctx, ident.New("user", "1"), map[string]any{"name": "alice"}))
	require.NoError(t, s.Upsert(ctx, ident.New("user", "2"), map[string]any{"name": "bob"}))
	require.NoError(t, s.Upsert(ctx, ident.New("thread", "t"), map[string]any{"title": "hi"}))

	iter, err := s.Execute(ctx, ident.NewTable("user"))
	require.NoError(t, err)
	var names []string
	for {
		rec, ok, err := iter.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, rec.Fields["name"].(string))
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestSubscribeLiveReceivesEvents(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ch, cancel, err := s.SubscribeLive(ctx, ident.NewTable("user"))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Upsert(ctx, ident.New("user", "1"), map[string]any{"name": "alice"}))
	evt := <-ch
	require.Equal(t, types.OpCreate, evt.Op)
	require.Equal(t, ident.New("user", "1"), evt.ID)
}
