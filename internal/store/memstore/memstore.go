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

// Package memstore is an in-memory types.RecordStore, used by tests and
// by a local-only deployment that has no SQL backend configured.
package memstore

import (
	"context"
	"sync"

	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

// Store is a process-local, concurrency-safe Record Store. It also
// implements types.LiveSubscriber, fanning out every Upsert/Delete to
// any live subscribers of the affected table.
type Store struct {
	mu struct {
		sync.RWMutex
		rows map[ident.RecordID]types.Record
		subs map[ident.Table][]chan types.LiveEvent
	}
}

// New constructs an empty Store.
func New() *Store {
	s := &Store{}
	s.mu.rows = make(map[ident.RecordID]types.Record)
	s.mu.subs = make(map[ident.Table][]chan types.LiveEvent)
	return s
}

func (s *Store) Upsert(_ context.Context, id ident.RecordID, fields map[string]any) error {
	s.mu.Lock()
	_, existed := s.mu.rows[id]
	cloned := make(map[string]any, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}
	s.mu.rows[id] = types.Record{ID: id, Table: id.Table(), Fields: cloned}
	subs := s.mu.subs[id.Table()]
	s.mu.Unlock()

	op := types.OpUpdate
	if !existed {
		op = types.OpCreate
	}
	s.publish(id.Table(), types.LiveEvent{Table: id.Table(), Op: op, ID: id}, subs)
	return nil
}

func (s *Store) Delete(_ context.Context, id ident.RecordID) error {
	s.mu.Lock()
	delete(s.mu.rows, id)
	subs := s.mu.subs[id.Table()]
	s.mu.Unlock()

	s.publish(id.Table(), types.LiveEvent{Table: id.Table(), Op: types.OpDelete, ID: id}, subs)
	return nil
}

func (s *Store) Get(_ context.Context, id ident.RecordID) (types.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.mu.rows[id]
	if !ok {
		return types.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *Store) Execute(_ context.Context, table ident.Table) (types.RowIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []types.Record
	for _, rec := range s.mu.rows {
		if rec.Table == table {
			rows = append(rows, rec.Clone())
		}
	}
	return &rowIterator{rows: rows}, nil
}

// SubscribeLive registers a channel that receives every subsequent
// mutation on table until the returned cancel func is called.
func (s *Store) SubscribeLive(
	ctx context.Context, table ident.Table,
) (<-chan types.LiveEvent, func(), error) {
	ch := make(chan types.LiveEvent, 16)
	s.mu.Lock()
	s.mu.subs[table] = append(s.mu.subs[table], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.mu.subs[table]
		for i, c := range subs {
			if c == ch {
				s.mu.subs[table] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (s *Store) publish(_ ident.Table, evt types.LiveEvent, subs []chan types.LiveEvent) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// A slow subscriber does not block ingestion; it simply
			// misses events until it catches up via a fresh query.
		}
	}
}

type rowIterator struct {
	rows []types.Record
	pos  int
}

func (it *rowIterator) Next() (types.Record, bool, error) {
	if it.pos >= len(it.rows) {
		return types.Record{}, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}
