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

package depindex_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/depindex"
	"github.com/viewsync/viewsync/internal/ident"
)

// TestIndexConsistency covers Testable Property 2: after any sequence
// of register/unregister, viewsAffectedBy(T) equals the set of views
// whose involvedTables contains T.
func TestIndexConsistency(t *testing.T) {
	idx := depindex.New()

	user := ident.NewTable("user")
	thread := ident.NewTable("thread")
	author := ident.NewTable("author")

	idx.Register("v1", []ident.Table{user})
	idx.Register("v2", []ident.Table{thread, author})
	idx.Register("v3", []ident.Table{user, author})

	checkConsistency(t, idx, []string{"v1", "v2", "v3"}, []ident.Table{user, thread, author})

	idx.Unregister("v2")
	checkConsistency(t, idx, []string{"v1", "v3"}, []ident.Table{user, thread, author})

	// Re-registering v1 with a different table set must fully replace
	// the old association, not merge with it.
	idx.Register("v1", []ident.Table{thread})
	checkConsistency(t, idx, []string{"v1", "v3"}, []ident.Table{user, thread, author})

	require.ElementsMatch(t, []string{"v3"}, idx.ViewsAffectedBy(user))
	require.ElementsMatch(t, []string{"v1"}, idx.ViewsAffectedBy(thread))
}

func TestRegisterIdempotent(t *testing.T) {
	idx := depindex.New()
	user := ident.NewTable("user")
	idx.Register("v1", []ident.Table{user})
	idx.Register("v1", []ident.Table{user})
	require.Equal(t, 1, idx.Len())
	require.ElementsMatch(t, []string{"v1"}, idx.ViewsAffectedBy(user))
}

func checkConsistency(t *testing.T, idx *depindex.Index, allViews []string, allTables []ident.Table) {
	t.Helper()
	for _, table := range allTables {
		var expected []string
		for _, v := range allViews {
			for _, involved := range idx.InvolvedTables(v) {
				if involved == table {
					expected = append(expected, v)
					break
				}
			}
		}
		actual := idx.ViewsAffectedBy(table)
		sort.Strings(expected)
		sort.Strings(actual)
		require.Equal(t, expected, actual, "table %s", table)
	}
}
