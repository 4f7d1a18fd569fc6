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

package reconciler

import (
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/resultmodel"
	"github.com/viewsync/viewsync/internal/types"
)

// ArraySyncer drives the convergence loop of spec.md §4.6.4: it tracks
// a local version array against a fixed remote target and, on each
// round, reports which ids still need to be fetched.
type ArraySyncer struct {
	local  []types.VersionEntry
	remote []types.VersionEntry
}

// NewArraySyncer constructs a syncer for one convergence loop.
func NewArraySyncer(local, remote []types.VersionEntry) *ArraySyncer {
	return &ArraySyncer{local: local, remote: remote}
}

// NextSet returns the ids that are added or updated between the
// current local array and the fixed remote array: rows the caller must
// fetch from the remote to converge. An empty result does not by
// itself mean the loop can stop — see NextRemoved.
func (s *ArraySyncer) NextSet() []ident.RecordID {
	d := resultmodel.Diff(s.local, s.remote)
	ids := make([]ident.RecordID, 0, len(d.Added)+len(d.Updated))
	for _, e := range d.Added {
		ids = append(ids, e.ID)
	}
	for _, e := range d.Updated {
		ids = append(ids, e.ID)
	}
	return ids
}

// NextRemoved returns the ids present in the current local array but
// absent from the fixed remote array: rows the caller must delete
// locally to converge (a record that no longer matches the view's
// query on the remote side, spec.md §4.6.4).
func (s *ArraySyncer) NextRemoved() []ident.RecordID {
	d := resultmodel.Diff(s.local, s.remote)
	ids := make([]ident.RecordID, 0, len(d.Removed))
	for _, e := range d.Removed {
		ids = append(ids, e.ID)
	}
	return ids
}

// Update replaces the syncer's view of the local array, e.g. after an
// ingest or setRecordVersion call changed it.
func (s *ArraySyncer) Update(newLocal []types.VersionEntry) {
	s.local = newLocal
}

// Converged reports whether the local and remote arrays now hash
// identically.
func (s *ArraySyncer) Converged() bool {
	return resultmodel.Hash(s.local) == resultmodel.Hash(s.remote)
}

// RemoteVersion returns the version the remote array records for id,
// or (0, false) if id is not present in it.
func (s *ArraySyncer) RemoteVersion(id ident.RecordID) (uint64, bool) {
	for _, e := range s.remote {
		if e.ID == id {
			return e.Version, true
		}
	}
	return 0, false
}
