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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/reconciler"
	"github.com/viewsync/viewsync/internal/types"
)

func entry(table, local string, version uint64) types.VersionEntry {
	return types.VersionEntry{ID: ident.New(table, local), Version: version}
}

func TestArraySyncerNextSetReportsAddedAndUpdated(t *testing.T) {
	local := []types.VersionEntry{entry("orders", "1", 1), entry("orders", "2", 1)}
	remote := []types.VersionEntry{entry("orders", "1", 2), entry("orders", "2", 1), entry("orders", "3", 1)}

	s := reconciler.NewArraySyncer(local, remote)
	ids := s.NextSet()
	require.Len(t, ids, 2)
	require.Contains(t, ids, ident.New("orders", "1"))
	require.Contains(t, ids, ident.New("orders", "3"))
}

func TestArraySyncerNextRemovedReportsLocalOnlyIDs(t *testing.T) {
	local := []types.VersionEntry{entry("orders", "1", 1), entry("orders", "2", 1)}
	remote := []types.VersionEntry{entry("orders", "1", 1)}

	s := reconciler.NewArraySyncer(local, remote)
	require.Empty(t, s.NextSet())
	removed := s.NextRemoved()
	require.Equal(t, []ident.RecordID{ident.New("orders", "2")}, removed)
}

func TestArraySyncerConvergedOnceUpdated(t *testing.T) {
	local := []types.VersionEntry{entry("orders", "1", 1)}
	remote := []types.VersionEntry{entry("orders", "1", 2)}

	s := reconciler.NewArraySyncer(local, remote)
	require.False(t, s.Converged())
	s.Update(remote)
	require.True(t, s.Converged())
	require.Empty(t, s.NextSet())
}

func TestArraySyncerRemoteVersionLookup(t *testing.T) {
	remote := []types.VersionEntry{entry("orders", "1", 5)}
	s := reconciler.NewArraySyncer(nil, remote)

	v, ok := s.RemoteVersion(ident.New("orders", "1"))
	require.True(t, ok)
	require.EqualValues(t, 5, v)

	_, ok = s.RemoteVersion(ident.New("orders", "2"))
	require.False(t, ok)
}
