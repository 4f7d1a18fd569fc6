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

// Package resultmodel implements the per-view version array and content
// hash described in spec.md §4.3: deriving versions for a freshly
// evaluated row set, hashing a version array so that two processors
// with identical state produce byte-identical hashes regardless of
// insertion order, and diffing two version arrays for the sync
// reconciler's convergence loop.
package resultmodel

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

// DeriveVersionArray assigns each row in newIDs its version, given the
// previous array and a same-signature content comparator. unchanged
// should report whether the content previously recorded for id (within
// this view's scope) is byte-identical to its content in the newly
// evaluated row. For ids not present in previous, version is 1. For ids
// present in previous, version is carried over if unchanged(id) is
// true, otherwise bumped by one (spec.md §4.4.2).
func DeriveVersionArray(
	newIDs []ident.RecordID,
	previous []types.VersionEntry,
	unchanged func(id ident.RecordID) bool,
) []types.VersionEntry {
	prevByID := make(map[ident.RecordID]uint64, len(previous))
	for _, e := range previous {
		prevByID[e.ID] = e.Version
	}

	out := make([]types.VersionEntry, len(newIDs))
	for i, id := range newIDs {
		oldVersion, existed := prevByID[id]
		var version uint64
		switch {
		case !existed:
			version = 1
		case unchanged(id):
			version = oldVersion
		default:
			version = oldVersion + 1
		}
		out[i] = types.VersionEntry{ID: id, Version: version}
	}
	return out
}

// Hash computes the canonical 256-bit digest of a version array: sort
// by id, then hash the concatenation of each entry's canonical id bytes
// followed by its version as a big-endian uint64. Sorting before
// hashing is what makes the result independent of insertion order
// across processors (Testable Property 1 / spec.md scenario S6).
func Hash(array []types.VersionEntry) [32]byte {
	sorted := make([]types.VersionEntry, len(array))
	copy(sorted, array)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	h := sha256.New()
	var buf [8]byte
	for _, e := range sorted {
		idBytes := []byte(e.ID.String())
		h.Write(idBytes)
		binary.BigEndian.PutUint64(buf[:], e.Version)
		h.Write(buf[:])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Diff computes { added, updated, removed } between a local and a
// remote version array, per spec.md §4.3. Output lists are sorted by
// id so that the reconciler's behavior is deterministic.
type DiffResult struct {
	Added   []types.VersionEntry // present in remote, absent in local
	Updated []types.VersionEntry // present in both, versions differ (remote's entry)
	Removed []types.VersionEntry // present in local, absent in remote
}

func Diff(local, remote []types.VersionEntry) DiffResult {
	localByID := make(map[ident.RecordID]uint64, len(local))
	for _, e := range local {
		localByID[e.ID] = e.Version
	}
	remoteByID := make(map[ident.RecordID]uint64, len(remote))
	for _, e := range remote {
		remoteByID[e.ID] = e.Version
	}

	var result DiffResult
	for _, e := range remote {
		if localVersion, found := localByID[e.ID]; !found {
			result.Added = append(result.Added, e)
		} else if localVersion != e.Version {
			result.Updated = append(result.Updated, e)
		}
	}
	for _, e := range local {
		if _, found := remoteByID[e.ID]; !found {
			result.Removed = append(result.Removed, e)
		}
	}

	byID := func(s []types.VersionEntry) func(i, j int) bool {
		return func(i, j int) bool { return s[i].ID.String() < s[j].ID.String() }
	}
	sort.Slice(result.Added, byID(result.Added))
	sort.Slice(result.Updated, byID(result.Updated))
	sort.Slice(result.Removed, byID(result.Removed))
	return result
}
