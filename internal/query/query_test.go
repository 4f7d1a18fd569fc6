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

package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/query"
	"github.com/viewsync/viewsync/internal/types"
)

// memStore is a minimal in-memory types.RecordStore used only by this
// package's tests; the real reference implementation lives in
// internal/store/memstore.
type memStore struct {
	byTable map[ident.Table][]types.Record
}

func newMemStore() *memStore {
	return &memStore{byTable: make(map[ident.Table][]types.Record)}
}

func (s *memStore) put(table, local string, fields map[string]any) {
	t := ident.NewTable(table)
	s.byTable[t] = append(s.byTable[t], types.Record{
		ID:     ident.New(table, local),
		Table:  t,
		Fields: fields,
	})
}

func (s *memStore) Upsert(context.Context, ident.RecordID, map[string]any) error { return nil }
func (s *memStore) Delete(context.Context, ident.RecordID) error                { return nil }
func (s *memStore) Get(context.Context, ident.RecordID) (types.Record, bool, error) {
	return types.Record{}, false, nil
}

func (s *memStore) Execute(_ context.Context, table ident.Table) (types.RowIterator, error) {
	return &sliceIter{rows: s.byTable[table]}, nil
}

type sliceIter struct {
	rows []types.Record
	pos  int
}

func (it *sliceIter) Next() (types.Record, bool, error) {
	if it.pos >= len(it.rows) {
		return types.Record{}, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

func TestParseSimpleSelect(t *testing.T) {
	stmt, err := query.Parse("SELECT * FROM thread WHERE author = $author")
	require.NoError(t, err)
	require.Equal(t, "thread", stmt.From)
	require.True(t, stmt.Projections[0].Star)
	require.NotNil(t, stmt.Where)
}

func TestParseRejectsUnknownCharacter(t *testing.T) {
	_, err := query.Parse("SELECT * FROM thread WHERE author ~ $author")
	require.Error(t, err)
	var iq *types.InvalidQuery
	require.ErrorAs(t, err, &iq)
}

func TestParseCorrelatedSubqueryWithFirst(t *testing.T) {
	stmt, err := query.Parse(
		`SELECT id, (SELECT name FROM author WHERE id = $parent.author)[0] AS authorName FROM thread`,
	)
	require.NoError(t, err)
	require.Len(t, stmt.Projections, 2)
	require.Equal(t, "id", stmt.Projections[0].Column)
	sub := stmt.Projections[1]
	require.NotNil(t, sub.Sub)
	require.True(t, sub.First)
	require.Equal(t, "authorName", sub.Alias)
	require.Equal(t, "author", sub.Sub.From)
}

func TestParseOrderByAndLimit(t *testing.T) {
	stmt, err := query.Parse("SELECT * FROM thread ORDER BY createdAt DESC LIMIT 10")
	require.NoError(t, err)
	require.Len(t, stmt.OrderBy, 1)
	require.True(t, stmt.OrderBy[0].Desc)
	require.NotNil(t, stmt.Limit)
	require.Equal(t, 10, *stmt.Limit)
}

// TestEvaluateCorrelatedSubquery exercises the projection-list subquery
// form from scenario S2: each thread row is enriched with its author's
// record (projected to name), nested under authorName and truncated to
// the first (only) match via "[0]".
func TestEvaluateCorrelatedSubquery(t *testing.T) {
	store := newMemStore()
	store.put("author", "a", map[string]any{"name": "Ada"})
	store.put("author", "b", map[string]any{"name": "Bea"})
	store.put("thread", "t1", map[string]any{"author": "author:a", "title": "hello"})
	store.put("thread", "t2", map[string]any{"author": "author:b", "title": "world"})

	stmt, err := query.Parse(
		`SELECT title, (SELECT name FROM author WHERE id = $parent.author)[0] AS authorName FROM thread ORDER BY title`,
	)
	require.NoError(t, err)

	rows, err := query.Evaluate(context.Background(), stmt, nil, store)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "hello", rows[0].Fields["title"])
	require.Equal(t, map[string]any{"name": "Ada"}, rows[0].Fields["authorName"])
	require.Equal(t, "world", rows[1].Fields["title"])
	require.Equal(t, map[string]any{"name": "Bea"}, rows[1].Fields["authorName"])
}

func TestEvaluateSubqueryWithNoMatchYieldsNil(t *testing.T) {
	store := newMemStore()
	store.put("thread", "t1", map[string]any{"author": "author:missing"})

	stmt, err := query.Parse(
		`SELECT (SELECT name FROM author WHERE id = $parent.author)[0] AS authorName FROM thread`,
	)
	require.NoError(t, err)

	rows, err := query.Evaluate(context.Background(), stmt, nil, store)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].Fields["authorName"])
}

func TestEvaluateBoundParameter(t *testing.T) {
	store := newMemStore()
	store.put("thread", "t1", map[string]any{"channel": "general"})
	store.put("thread", "t2", map[string]any{"channel": "random"})

	stmt, err := query.Parse("SELECT * FROM thread WHERE channel = $channel")
	require.NoError(t, err)

	rows, err := query.Evaluate(context.Background(), stmt, map[string]any{"channel": "general"}, store)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "general", rows[0].Fields["channel"])
}

func TestEvaluateMissingParameterIsEvalError(t *testing.T) {
	store := newMemStore()
	store.put("thread", "t1", map[string]any{"channel": "general"})

	stmt, err := query.Parse("SELECT * FROM thread WHERE channel = $channel")
	require.NoError(t, err)

	_, err = query.Evaluate(context.Background(), stmt, nil, store)
	require.Error(t, err)
	var ee *types.EvalError
	require.ErrorAs(t, err, &ee)
}

func TestInvolvedTablesIncludesSubqueryTables(t *testing.T) {
	stmt, err := query.Parse(
		`SELECT (SELECT name FROM author WHERE id = $parent.author)[0] AS authorName FROM thread`,
	)
	require.NoError(t, err)

	tables := query.InvolvedTables(stmt)
	var names []string
	for _, tb := range tables {
		names = append(names, tb.Raw())
	}
	require.ElementsMatch(t, []string{"thread", "author"}, names)
}

func TestEvaluateLimitAndOrder(t *testing.T) {
	store := newMemStore()
	store.put("thread", "t1", map[string]any{"rank": 3.0})
	store.put("thread", "t2", map[string]any{"rank": 1.0})
	store.put("thread", "t3", map[string]any{"rank": 2.0})

	stmt, err := query.Parse("SELECT * FROM thread ORDER BY rank LIMIT 2")
	require.NoError(t, err)

	rows, err := query.Evaluate(context.Background(), stmt, nil, store)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1.0, rows[0].Fields["rank"])
	require.Equal(t, 2.0, rows[1].Fields["rank"])
}
