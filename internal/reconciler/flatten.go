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
	"github.com/viewsync/viewsync/internal/types"
)

// FlattenSchema declares, per table, which field names may hold a
// relationship-expanded nested record (spec.md §4.6.6: "the set of
// fields eligible for flattening is declared by the schema"). A nil
// FlattenSchema disables flattening entirely.
type FlattenSchema map[ident.Table][]string

func (s FlattenSchema) eligible(table ident.Table, field string) bool {
	for _, f := range s[table] {
		if f == field {
			return true
		}
	}
	return false
}

// FlattenAll applies Flatten to every record in records, sharing one
// visited set across the whole batch so that a record reachable from
// two different parents is only extracted once.
func FlattenAll(records []types.Record, schema FlattenSchema) []types.Record {
	if schema == nil {
		return records
	}

	visited := make(map[ident.RecordID]bool, len(records))
	ordered := make([]ident.RecordID, 0, len(records))
	byID := make(map[ident.RecordID]types.Record, len(records))

	var add func(rec types.Record)
	add = func(rec types.Record) {
		if visited[rec.ID] {
			return
		}
		visited[rec.ID] = true
		flat, extracted := flatten(rec, schema, visited)
		ordered = append(ordered, flat.ID)
		byID[flat.ID] = flat
		for _, child := range extracted {
			if _, already := byID[child.ID]; already {
				continue
			}
			ordered = append(ordered, child.ID)
			byID[child.ID] = child
		}
	}
	for _, rec := range records {
		add(rec)
	}

	out := make([]types.Record, len(ordered))
	for i, id := range ordered {
		out[i] = byID[id]
	}
	return out
}

// flatten extracts any nested record occupying a flattenable field of
// rec into the top-level return slice, replacing the field's value
// with the nested record's canonical id. visited prevents infinite
// recursion on cyclic references; a record already visited is left as
// a bare id reference rather than re-expanded (spec.md §4.6.6, §9
// "Cyclic references in flattening").
func flatten(rec types.Record, schema FlattenSchema, visited map[ident.RecordID]bool) (types.Record, []types.Record) {
	fields := make(map[string]any, len(rec.Fields))
	var extracted []types.Record

	for k, v := range rec.Fields {
		if !schema.eligible(rec.Table, k) {
			fields[k] = v
			continue
		}
		nested, ok := asNestedRecord(v)
		if !ok {
			fields[k] = v
			continue
		}
		if visited[nested.ID] {
			fields[k] = nested.ID.String()
			continue
		}
		visited[nested.ID] = true
		childFlat, childExtracted := flatten(nested, schema, visited)
		extracted = append(extracted, childFlat)
		extracted = append(extracted, childExtracted...)
		fields[k] = nested.ID.String()
	}

	return types.Record{ID: rec.ID, Table: rec.Table, Fields: fields}, extracted
}

// asNestedRecord recognizes the wire shape of a relationship-expanded
// nested record: a map carrying its own canonical "id" alongside its
// fields.
func asNestedRecord(v any) (types.Record, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return types.Record{}, false
	}
	idStr, ok := m["id"].(string)
	if !ok {
		return types.Record{}, false
	}
	id, err := ident.Parse(idStr)
	if err != nil {
		return types.Record{}, false
	}
	fields := make(map[string]any, len(m))
	for k, val := range m {
		if k == "id" {
			continue
		}
		fields[k] = val
	}
	return types.Record{ID: id, Table: id.Table(), Fields: fields}, true
}
