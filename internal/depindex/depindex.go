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

// Package depindex maintains the reverse mapping from table name to the
// set of registered views that read it, so that an event on a table can
// be fanned out to every affected view in roughly constant time
// (spec.md §4.2).
package depindex

import (
	"sync"

	"github.com/viewsync/viewsync/internal/ident"
)

// Index is a forward/reverse mapping between view ids and the tables
// they read. It is safe for concurrent use; callers that need to
// perform register+ingest as one atomic unit (spec.md §5, "Critical
// concurrency rule") must hold their own outer lock around both calls.
type Index struct {
	mu struct {
		sync.RWMutex
		forward map[string][]ident.Table        // viewID -> involved tables
		reverse map[ident.Table]map[string]bool // table -> set of viewIDs
	}
}

// New constructs an empty Index.
func New() *Index {
	idx := &Index{}
	idx.mu.forward = make(map[string][]ident.Table)
	idx.mu.reverse = make(map[ident.Table]map[string]bool)
	return idx
}

// Register associates viewID with involvedTables, replacing any
// previous association for the same viewID. Idempotent: registering
// the same viewID with the same table set is a no-op other than
// refreshing bookkeeping.
func (idx *Index) Register(viewID string, involvedTables []ident.Table) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.unregisterLocked(viewID)

	tables := make([]ident.Table, len(involvedTables))
	copy(tables, involvedTables)
	idx.mu.forward[viewID] = tables

	for _, t := range tables {
		set, ok := idx.mu.reverse[t]
		if !ok {
			set = make(map[string]bool)
			idx.mu.reverse[t] = set
		}
		set[viewID] = true
	}
}

// Unregister removes all back-references for viewID.
func (idx *Index) Unregister(viewID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unregisterLocked(viewID)
}

func (idx *Index) unregisterLocked(viewID string) {
	tables, found := idx.mu.forward[viewID]
	if !found {
		return
	}
	for _, t := range tables {
		if set, ok := idx.mu.reverse[t]; ok {
			delete(set, viewID)
			if len(set) == 0 {
				delete(idx.mu.reverse, t)
			}
		}
	}
	delete(idx.mu.forward, viewID)
}

// ViewsAffectedBy returns the set of view ids whose involvedTables
// contains table.
func (idx *Index) ViewsAffectedBy(table ident.Table) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set, ok := idx.mu.reverse[table]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for viewID := range set {
		out = append(out, viewID)
	}
	return out
}

// InvolvedTables returns the tables registered for viewID, or nil if
// viewID is unknown.
func (idx *Index) InvolvedTables(viewID string) []ident.Table {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tables, ok := idx.mu.forward[viewID]
	if !ok {
		return nil
	}
	out := make([]ident.Table, len(tables))
	copy(out, tables)
	return out
}

// Len returns the number of registered views, primarily for tests and
// diagnostics.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.mu.forward)
}
