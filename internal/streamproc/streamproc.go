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

// Package streamproc implements the Stream Processor: the registry of
// materialized views, the recomputation algorithm that keeps each
// view's version array and result hash in sync with the underlying
// Record Store, and the degraded-view bookkeeping that keeps a bad
// query from taking down the rest of the registry.
package streamproc

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/depindex"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/query"
	"github.com/viewsync/viewsync/internal/resultmodel"
	"github.com/viewsync/viewsync/internal/types"
)

// viewState is the registry's per-view bookkeeping: the registered
// definition, its pre-parsed statement (so a bad query is rejected
// once, at registration, rather than re-parsed on every ingest), the
// current version array and hash, and the canonical content last seen
// for each id within this view's scope (used for the byte-identical
// comparison in the recomputation algorithm).
type viewState struct {
	view       types.View
	stmt       *query.SelectStmt
	array      []types.VersionEntry
	hash       [32]byte
	content    map[ident.RecordID][]byte
	degraded   bool
	lastAccess time.Time
}

// Processor is the Stream Processor (C5). It is safe for concurrent
// use: a single write-preferring RWMutex guards the entire registry, so
// a register/ingest pair that must be observed atomically by a caller
// can be achieved by an outer lock the caller itself holds; internally
// each exported method is already atomic with respect to the registry.
type Processor struct {
	store types.RecordStore
	index *depindex.Index
	log   *logrus.Entry

	dirty func() // optional hook invoked after any registry mutation; see SetDirtyHook

	mu struct {
		sync.RWMutex
		views map[string]*viewState
	}
}

// New constructs a Processor backed by store, registering views into
// index as they are added.
func New(store types.RecordStore, index *depindex.Index, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Processor{store: store, index: index, log: log}
	p.mu.views = make(map[string]*viewState)
	return p
}

// SetDirtyHook installs fn to be called, with the registry lock held,
// whenever RegisterView/UnregisterView/Ingest/SetRecordVersion change
// the registry's persisted state. The Persistence Gateway (C6) uses
// this to implement the "every mutation marks state dirty" half of its
// debounce contract (spec.md §4.5) without streamproc importing
// persistence (which would create an import cycle, since the Gateway
// already depends on streamproc for Snapshot/Restore).
func (p *Processor) SetDirtyHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = fn
}

func (p *Processor) markDirtyLocked() {
	if p.dirty != nil {
		p.dirty()
	}
}

// RegisterView computes the view's initial result and installs it in
// the registry. Re-registering an existing viewId with an identical
// definition (everything but Ttl/LastActiveAt) is idempotent and
// returns the existing state; registering it with a different
// definition is a conflict (spec.md §4.4.1).
func (p *Processor) RegisterView(ctx context.Context, view types.View) (types.ViewUpdate, error) {
	stmt, err := query.Parse(view.SQL)
	if err != nil {
		return types.ViewUpdate{}, err
	}
	view.PrimaryTable = ident.NewTable(stmt.From)
	view.InvolvedTables = query.InvolvedTables(stmt)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.mu.views[view.ViewID]; ok {
		if existing.view.SQL != view.SQL ||
			existing.view.PrimaryTable != view.PrimaryTable ||
			!paramsEqual(existing.view.Params, view.Params) {
			return types.ViewUpdate{}, &types.ProtocolViolation{
				ViewID: view.ViewID,
				Reason: "conflicting re-registration: query or params differ from the existing registration",
			}
		}
		return types.ViewUpdate{
			ViewID:       view.ViewID,
			VersionArray: cloneArray(existing.array),
			ResultHash:   existing.hash,
			Op:           types.OpCreate,
		}, nil
	}

	vs := &viewState{view: view, stmt: stmt, content: make(map[ident.RecordID][]byte)}
	if err := p.recomputeLocked(ctx, vs, ident.RecordID{}, false); err != nil {
		// A freshly-registered view that fails to evaluate at all is a
		// hard registration failure, not a degraded view: there is no
		// prior good state to fall back to.
		return types.ViewUpdate{}, err
	}

	p.mu.views[view.ViewID] = vs
	p.index.Register(view.ViewID, view.InvolvedTables)
	p.markDirtyLocked()

	return types.ViewUpdate{
		ViewID:       view.ViewID,
		VersionArray: cloneArray(vs.array),
		ResultHash:   vs.hash,
		Op:           types.OpCreate,
	}, nil
}

// UnregisterView removes viewId's state. Unregistering an unknown
// viewId is a no-op.
func (p *Processor) UnregisterView(viewID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mu.views[viewID]; !ok {
		return
	}
	delete(p.mu.views, viewID)
	p.index.Unregister(viewID)
	p.markDirtyLocked()
}

// Ingest applies a mutation to the Record Store and recomputes every
// view the Dependency Index says is affected by table, emitting a
// ViewUpdate for each view whose resultHash changed (spec.md §4.4.1,
// §4.4.2).
func (p *Processor) Ingest(
	ctx context.Context,
	table ident.Table,
	op types.OpKind,
	recordID ident.RecordID,
	data map[string]any,
	optimistic bool,
) ([]types.ViewUpdate, error) {
	switch op {
	case types.OpDelete:
		if err := p.store.Delete(ctx, recordID); err != nil {
			return nil, &types.StorageError{Op: "ingest:delete", Err: err}
		}
	case types.OpCreate, types.OpUpdate:
		if err := p.store.Upsert(ctx, recordID, data); err != nil {
			return nil, &types.StorageError{Op: "ingest:upsert", Err: err}
		}
	default:
		return nil, &types.EvalError{Reason: "unknown op kind on ingest"}
	}

	affected := p.index.ViewsAffectedBy(table)
	if len(affected) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var updates []types.ViewUpdate
	for _, viewID := range affected {
		vs, ok := p.mu.views[viewID]
		if !ok {
			continue
		}
		changed, err := p.recomputeTracked(ctx, vs, recordID, optimistic)
		if err != nil {
			var evalErr *types.EvalError
			if errors.As(err, &evalErr) {
				// Evaluator failure: mark degraded, log, leave state
				// untouched, move on to the next view (spec.md §4.4.4).
				vs.degraded = true
				recomputeErrors.WithLabelValues(viewID).Inc()
				p.log.WithError(err).WithField("view_id", viewID).Warn("view marked degraded")
				continue
			}
			// Storage errors propagate to the caller; ingest is not
			// retried inside the SP (spec.md §4.4.4).
			return updates, err
		}
		vs.degraded = false
		if changed {
			update := types.ViewUpdate{
				ViewID:       viewID,
				VersionArray: cloneArray(vs.array),
				ResultHash:   vs.hash,
				Op:           op,
			}
			updates = append(updates, update)
			viewUpdatesEmitted.WithLabelValues(viewID).Inc()
		}
	}
	degradedViewsGauge.Set(float64(p.countDegradedLocked()))
	if len(updates) > 0 {
		p.markDirtyLocked()
	}
	return updates, nil
}

// SetRecordVersion surgically overrides the version recorded for
// recordId within viewId's array (used by the Sync Reconciler to adopt
// a remote-authoritative version after a cache fill). It is a no-op on
// an unknown view or record id (spec.md §4.4.4).
func (p *Processor) SetRecordVersion(
	viewID string, recordID ident.RecordID, version uint64,
) (types.ViewUpdate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vs, ok := p.mu.views[viewID]
	if !ok {
		p.log.WithField("view_id", viewID).Debug("setRecordVersion: unknown view")
		return types.ViewUpdate{}, false
	}

	found := false
	for i := range vs.array {
		if vs.array[i].ID == recordID {
			vs.array[i].Version = version
			found = true
			break
		}
	}
	if !found {
		p.log.WithFields(logrus.Fields{"view_id": viewID, "record_id": recordID.String()}).
			Debug("setRecordVersion: unknown record id in view")
		return types.ViewUpdate{}, false
	}

	newHash := resultmodel.Hash(vs.array)
	if newHash == vs.hash {
		return types.ViewUpdate{}, false
	}
	vs.hash = newHash
	update := types.ViewUpdate{
		ViewID:       viewID,
		VersionArray: cloneArray(vs.array),
		ResultHash:   vs.hash,
		Op:           types.OpUpdate,
	}
	viewUpdatesEmitted.WithLabelValues(viewID).Inc()
	p.markDirtyLocked()
	return update, true
}

// ViewArray returns a view's current version array and result hash, for
// callers such as the Sync Reconciler's convergence loop that need to
// read state without going through the ingest/register contract.
func (p *Processor) ViewArray(viewID string) ([]types.VersionEntry, [32]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	vs, ok := p.mu.views[viewID]
	if !ok {
		return nil, [32]byte{}, false
	}
	return cloneArray(vs.array), vs.hash, true
}

// DegradedViews returns the ids of views currently marked degraded.
// Exposed to the diagnostics registry so an operator can see which
// views need attention without needing access to the query text.
func (p *Processor) DegradedViews() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, vs := range p.mu.views {
		if vs.degraded {
			out = append(out, id)
		}
	}
	return out
}

// Diagnostic implements internal/util/diag.Diagnostic.
func (p *Processor) Diagnostic(context.Context) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	summary := make(map[string]any, len(p.mu.views))
	for id, vs := range p.mu.views {
		summary[id] = map[string]any{
			"rows":     len(vs.array),
			"degraded": vs.degraded,
		}
	}
	return summary
}

func (p *Processor) countDegradedLocked() int {
	n := 0
	for _, vs := range p.mu.views {
		if vs.degraded {
			n++
		}
	}
	return n
}

// recomputeTracked is recomputeLocked instrumented with the latency
// histogram; split out so RegisterView's initial computation (which
// has no useful "affected view" label context beyond the view itself)
// can share the same core logic.
func (p *Processor) recomputeTracked(
	ctx context.Context, vs *viewState, targetID ident.RecordID, optimistic bool,
) (bool, error) {
	start := time.Now()
	changed, err := p.recomputeLocked(ctx, vs, targetID, optimistic)
	recomputeDurations.WithLabelValues(vs.view.ViewID).Observe(time.Since(start).Seconds())
	return changed, err
}

// recomputeLocked implements the recomputation algorithm of spec.md
// §4.4.2. Callers must hold p.mu for writing.
func (p *Processor) recomputeLocked(
	ctx context.Context, vs *viewState, targetID ident.RecordID, optimistic bool,
) (bool, error) {
	rows, err := query.Evaluate(ctx, vs.stmt, vs.view.Params, p.store)
	if err != nil {
		return false, err
	}

	newContent := make(map[ident.RecordID][]byte, len(rows))
	newIDs := make([]ident.RecordID, len(rows))
	for i, row := range rows {
		encoded, err := json.Marshal(row.Fields)
		if err != nil {
			return false, &types.EvalError{ViewID: vs.view.ViewID, Reason: "failed to canonicalize row: " + err.Error()}
		}
		newIDs[i] = row.ID
		newContent[row.ID] = encoded
	}

	hasTarget := !targetID.IsZero()
	newArray := resultmodel.DeriveVersionArray(newIDs, vs.array, func(id ident.RecordID) bool {
		if hasTarget && id == targetID && optimistic {
			// Local write: the directly-written record is always
			// considered changed, regardless of content equality.
			return false
		}
		prev, hadPrev := vs.content[id]
		if !hadPrev {
			return false
		}
		return bytes.Equal(prev, newContent[id])
	})

	newHash := resultmodel.Hash(newArray)
	changed := newHash != vs.hash

	vs.array = newArray
	vs.content = newContent
	vs.hash = newHash
	return changed, nil
}

func cloneArray(in []types.VersionEntry) []types.VersionEntry {
	out := make([]types.VersionEntry, len(in))
	copy(out, in)
	return out
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
