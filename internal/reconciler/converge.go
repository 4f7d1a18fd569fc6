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
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/streamproc"
	"github.com/viewsync/viewsync/internal/types"
)

// DefaultKMax bounds the convergence loop's iteration count (spec.md
// §4.6.4: "K_MAX bounds pathological loops and logs on exhaustion").
const DefaultKMax = 32

// StreamProcessor is the subset of streamproc.Processor the
// convergence loop needs, defined here so this package's tests can
// substitute a fake without constructing a whole Processor.
type StreamProcessor interface {
	ViewArray(viewID string) ([]types.VersionEntry, [32]byte, bool)
	Ingest(ctx context.Context, table ident.Table, op types.OpKind, id ident.RecordID, data map[string]any, optimistic bool) ([]types.ViewUpdate, error)
	SetRecordVersion(viewID string, id ident.RecordID, version uint64) (types.ViewUpdate, bool)
}

var _ StreamProcessor = (*streamproc.Processor)(nil)

// Converge runs the convergence loop of spec.md §4.6.4 for viewId
// against a fixed (remoteHash, remoteArray) snapshot obtained from one
// register/sync round-trip. schema may be nil to disable
// relationship flattening.
func Converge(
	ctx context.Context,
	sp StreamProcessor,
	remote types.Remote,
	viewID string,
	remoteArray []types.VersionEntry,
	schema FlattenSchema,
	kMax int,
	log *logrus.Entry,
) error {
	if kMax <= 0 {
		kMax = DefaultKMax
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	start := time.Now()
	defer func() { convergenceDuration.Observe(time.Since(start).Seconds()) }()

	local, _, ok := sp.ViewArray(viewID)
	if !ok {
		return &types.ProtocolViolation{ViewID: viewID, Reason: "convergence requested for an unregistered view"}
	}
	syncer := NewArraySyncer(local, remoteArray)

	for i := 0; i < kMax; i++ {
		ids := syncer.NextSet()
		removed := syncer.NextRemoved()
		if len(ids) == 0 && len(removed) == 0 {
			if !syncer.Converged() {
				return &types.ProtocolViolation{
					ViewID: viewID,
					Reason: "convergence loop found no remaining diff but localHash != remoteHash",
				}
			}
			convergenceIterations.Observe(float64(i))
			return nil
		}

		for _, id := range removed {
			if _, err := sp.Ingest(ctx, id.Table(), types.OpDelete, id, nil, false); err != nil {
				return err
			}
			newArray, _, _ := sp.ViewArray(viewID)
			syncer.Update(newArray)
		}

		if len(ids) == 0 {
			continue
		}

		records, err := remote.SelectByIDs(ctx, ids)
		if err != nil {
			return &types.RemoteError{Op: "converge:selectByIDs", Err: err}
		}

		flattened := FlattenAll(records, schema)
		knownBefore := versionsByID(local)
		for _, rec := range flattened {
			op := types.OpUpdate
			if _, existed := knownBefore[rec.ID]; !existed {
				op = types.OpCreate
			}
			if _, err := sp.Ingest(ctx, rec.Table, op, rec.ID, rec.Fields, false); err != nil {
				return err
			}
			if v, ok := syncer.RemoteVersion(rec.ID); ok {
				sp.SetRecordVersion(viewID, rec.ID, v)
			}
			newArray, _, _ := sp.ViewArray(viewID)
			syncer.Update(newArray)
		}
	}

	convergenceIterations.Observe(float64(kMax))
	log.WithField("view_id", viewID).Warn("convergence loop exhausted K_MAX iterations without converging")
	return &types.ProtocolViolation{ViewID: viewID, Reason: "convergence did not terminate within K_MAX iterations"}
}

func versionsByID(array []types.VersionEntry) map[ident.RecordID]uint64 {
	m := make(map[ident.RecordID]uint64, len(array))
	for _, e := range array {
		m[e.ID] = e.Version
	}
	return m
}
