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

package streamproc

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/query"
	"github.com/viewsync/viewsync/internal/types"
)

// snapshotWire is the on-disk encoding of the entire view registry. It
// is deliberately independent of viewState's in-memory shape so that
// the wire format can evolve without coupling to internal field names.
type snapshotWire struct {
	Version int                  `json:"version"`
	Views   []snapshotViewWire   `json:"views"`
}

type snapshotViewWire struct {
	ViewID       string                     `json:"viewId"`
	SQL          string                     `json:"sql"`
	Params       map[string]any             `json:"params,omitempty"`
	TTLNanos     int64                      `json:"ttlNanos"`
	LastActiveAt time.Time                  `json:"lastActiveAt"`
	Array        []snapshotEntryWire        `json:"array"`
	Hash         string                     `json:"hash"`
	Content      map[string]json.RawMessage `json:"content"`
	Degraded     bool                       `json:"degraded"`
}

type snapshotEntryWire struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

const snapshotWireVersion = 1

// Snapshot serializes the entire view registry, including version
// arrays, for the Persistence Gateway (spec.md §4.4.1, §4.5).
func (p *Processor) Snapshot() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	wire := snapshotWire{Version: snapshotWireVersion, Views: make([]snapshotViewWire, 0, len(p.mu.views))}
	for _, vs := range p.mu.views {
		content := make(map[string]json.RawMessage, len(vs.content))
		for id, raw := range vs.content {
			content[id.String()] = raw
		}
		array := make([]snapshotEntryWire, len(vs.array))
		for i, e := range vs.array {
			array[i] = snapshotEntryWire{ID: e.ID.String(), Version: e.Version}
		}
		wire.Views = append(wire.Views, snapshotViewWire{
			ViewID:       vs.view.ViewID,
			SQL:          vs.view.SQL,
			Params:       vs.view.Params,
			TTLNanos:     int64(vs.view.TTL),
			LastActiveAt: vs.view.LastActiveAt,
			Array:        array,
			Hash:         hex.EncodeToString(vs.hash[:]),
			Content:      content,
			Degraded:     vs.degraded,
		})
	}

	return json.Marshal(wire)
}

// Restore reloads the registry from a Snapshot. It is best-effort: a
// deserialization failure leaves the Stream Processor empty, logs, and
// returns a *types.Corruption so the caller can surface it (spec.md
// §4.5).
func (p *Processor) Restore(data []byte) error {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		p.resetEmpty()
		p.log.WithError(err).Warn("snapshot restore failed, starting empty")
		return &types.Corruption{Err: err}
	}

	views := make(map[string]*viewState, len(wire.Views))
	for _, v := range wire.Views {
		stmt, err := query.Parse(v.SQL)
		if err != nil {
			p.resetEmpty()
			p.log.WithError(err).WithField("view_id", v.ViewID).
				Warn("snapshot contained an unparseable view, starting empty")
			return &types.Corruption{Err: err}
		}

		array := make([]types.VersionEntry, len(v.Array))
		content := make(map[ident.RecordID][]byte, len(v.Content))
		for i, e := range v.Array {
			id, err := ident.Parse(e.ID)
			if err != nil {
				p.resetEmpty()
				p.log.WithError(err).Warn("snapshot contained a malformed record id, starting empty")
				return &types.Corruption{Err: err}
			}
			array[i] = types.VersionEntry{ID: id, Version: e.Version}
		}
		for idStr, raw := range v.Content {
			id, err := ident.Parse(idStr)
			if err != nil {
				p.resetEmpty()
				p.log.WithError(err).Warn("snapshot contained a malformed record id, starting empty")
				return &types.Corruption{Err: err}
			}
			content[id] = []byte(raw)
		}

		hashBytes, err := hex.DecodeString(v.Hash)
		if err != nil || len(hashBytes) != 32 {
			p.resetEmpty()
			p.log.Warn("snapshot contained a malformed hash, starting empty")
			return &types.Corruption{Err: err}
		}
		var hash [32]byte
		copy(hash[:], hashBytes)

		view := types.View{
			ViewID:         v.ViewID,
			SQL:            v.SQL,
			Params:         v.Params,
			PrimaryTable:   ident.NewTable(stmt.From),
			InvolvedTables: query.InvolvedTables(stmt),
			TTL:            time.Duration(v.TTLNanos),
			LastActiveAt:   v.LastActiveAt,
		}
		views[v.ViewID] = &viewState{
			view:     view,
			stmt:     stmt,
			array:    array,
			hash:     hash,
			content:  content,
			degraded: v.Degraded,
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.views = views
	for viewID, vs := range views {
		p.index.Register(viewID, vs.view.InvolvedTables)
	}
	return nil
}

func (p *Processor) resetEmpty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for viewID := range p.mu.views {
		p.index.Unregister(viewID)
	}
	p.mu.views = make(map[string]*viewState)
}
