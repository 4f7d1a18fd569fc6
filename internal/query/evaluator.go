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

package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

// EvaluatedRow is one row produced by Evaluate: the originating
// record's id plus the projected field set (after subquery expansion).
type EvaluatedRow struct {
	ID     ident.RecordID
	Table  ident.Table
	Fields map[string]any
}

// idField is the pseudo-column name used to expose a record's own id
// within WHERE/correlation expressions; Record.Fields never needs to
// carry it explicitly.
const idField = "id"

// InvolvedTables returns the primary table plus every table referenced
// by a subquery in the projection list, per spec.md §4.1.
func InvolvedTables(stmt *SelectStmt) []ident.Table {
	seen := map[ident.Table]bool{ident.NewTable(stmt.From): true}
	var collect func(*SelectStmt)
	collect = func(s *SelectStmt) {
		for _, p := range s.Projections {
			if p.Sub != nil {
				t := ident.NewTable(p.Sub.From)
				if !seen[t] {
					seen[t] = true
				}
				collect(p.Sub)
			}
		}
	}
	collect(stmt)

	out := make([]ident.Table, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Raw() < out[j].Raw() })
	return out
}

// Evaluate runs stmt against store with the given bound parameters,
// returning rows from the primary table augmented with subquery
// projections. Evaluation is deterministic given identical store
// contents and identical input (spec.md §4.1).
func Evaluate(
	ctx context.Context, stmt *SelectStmt, params map[string]any, store types.RecordStore,
) ([]EvaluatedRow, error) {
	return evalSelect(ctx, stmt, params, nil, store)
}

func evalSelect(
	ctx context.Context,
	stmt *SelectStmt,
	params map[string]any,
	parent map[string]any,
	store types.RecordStore,
) ([]EvaluatedRow, error) {
	table := ident.NewTable(stmt.From)
	iter, err := store.Execute(ctx, table)
	if err != nil {
		return nil, &types.StorageError{Op: "evaluate:" + stmt.From, Err: err}
	}

	type candidate struct {
		record types.Record
		ctx    map[string]any
	}
	var candidates []candidate
	for {
		rec, ok, err := iter.Next()
		if err != nil {
			return nil, &types.StorageError{Op: "evaluate:" + stmt.From, Err: err}
		}
		if !ok {
			break
		}

		rowCtx := rowContext(rec)
		if stmt.Where != nil {
			matched, err := evalBool(stmt.Where, rowCtx, parent, params)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
		}
		candidates = append(candidates, candidate{record: rec, ctx: rowCtx})
	}

	if len(stmt.OrderBy) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			for _, term := range stmt.OrderBy {
				a := candidates[i].ctx[term.Column]
				b := candidates[j].ctx[term.Column]
				c := compareValues(a, b)
				if c == 0 {
					continue
				}
				if term.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if stmt.Limit != nil && len(candidates) > *stmt.Limit {
		candidates = candidates[:*stmt.Limit]
	}

	out := make([]EvaluatedRow, 0, len(candidates))
	for _, c := range candidates {
		fields, err := project(ctx, stmt.Projections, c.record, c.ctx, params, store)
		if err != nil {
			return nil, err
		}
		out = append(out, EvaluatedRow{ID: c.record.ID, Table: table, Fields: fields})
	}
	return out, nil
}

// rowContext exposes a record's fields plus its pseudo "id" column for
// use in WHERE/correlation expressions and ORDER BY.
func rowContext(rec types.Record) map[string]any {
	ctx := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		ctx[k] = v
	}
	ctx[idField] = rec.ID.String()
	return ctx
}

func project(
	ctx context.Context,
	projections []Projection,
	rec types.Record,
	rowCtx map[string]any,
	params map[string]any,
	store types.RecordStore,
) (map[string]any, error) {
	out := make(map[string]any)
	for _, p := range projections {
		switch {
		case p.Star:
			for k, v := range rec.Fields {
				out[k] = v
			}
		case p.Sub != nil:
			subRows, err := evalSelect(ctx, p.Sub, params, rowCtx, store)
			if err != nil {
				return nil, err
			}
			alias := p.Alias
			if p.First {
				if len(subRows) == 0 {
					out[alias] = nil
				} else {
					out[alias] = subRows[0].Fields
				}
			} else {
				arr := make([]map[string]any, len(subRows))
				for i, r := range subRows {
					arr[i] = r.Fields
				}
				out[alias] = arr
			}
		default:
			val, ok := rowCtx[p.Column]
			if !ok {
				return nil, &types.EvalError{Reason: fmt.Sprintf("unknown column %q", p.Column)}
			}
			out[p.Column] = val
		}
	}
	return out, nil
}

// evalBool evaluates expr, which must be a boolean-valued expression
// (a comparison or an AND/OR of booleans), against the given row,
// optional parent row (for correlated subqueries), and bound params.
func evalBool(expr Expr, row, parent, params map[string]any) (bool, error) {
	switch e := expr.(type) {
	case BinaryExpr:
		switch e.Op {
		case "AND":
			l, err := evalBool(e.Left, row, parent, params)
			if err != nil {
				return false, err
			}
			r, err := evalBool(e.Right, row, parent, params)
			if err != nil {
				return false, err
			}
			return l && r, nil
		case "OR":
			l, err := evalBool(e.Left, row, parent, params)
			if err != nil {
				return false, err
			}
			r, err := evalBool(e.Right, row, parent, params)
			if err != nil {
				return false, err
			}
			return l || r, nil
		default:
			lv, err := evalValue(e.Left, row, parent, params)
			if err != nil {
				return false, err
			}
			rv, err := evalValue(e.Right, row, parent, params)
			if err != nil {
				return false, err
			}
			return applyComparison(e.Op, lv, rv), nil
		}
	default:
		return false, &types.EvalError{Reason: "expected boolean expression"}
	}
}

func evalValue(expr Expr, row, parent, params map[string]any) (any, error) {
	switch e := expr.(type) {
	case Literal:
		return e.Value, nil
	case ParamRef:
		v, ok := params[e.Name]
		if !ok {
			return nil, &types.EvalError{Reason: fmt.Sprintf("missing parameter %q", e.Name)}
		}
		return v, nil
	case ParentRef:
		if parent == nil {
			return nil, &types.EvalError{Reason: "$parent reference outside a correlated subquery"}
		}
		v, ok := parent[e.Field]
		if !ok {
			return nil, &types.EvalError{Reason: fmt.Sprintf("parent row has no field %q", e.Field)}
		}
		return v, nil
	case ColumnRef:
		v, ok := row[e.Name]
		if !ok {
			return nil, &types.EvalError{Reason: fmt.Sprintf("unknown column %q", e.Name)}
		}
		return v, nil
	default:
		return nil, &types.EvalError{Reason: "unsupported expression operand"}
	}
}

func applyComparison(op string, a, b any) bool {
	c := compareValues(a, b)
	switch op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	default:
		return false
	}
}

// compareValues provides a best-effort ordering across the value types
// that can appear in Record fields: numbers (compared numerically),
// strings (compared lexically), booleans (false first), and nil (before
// everything else). Two non-nil values of different kinds, or of any
// other type, are not ordered: compareValues returns -1 for them in
// either argument order, so their relative order after a sort is not
// defined.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		if ab == bb {
			return 0
		}
		if !ab && bb {
			return -1
		}
		return 1
	}

	return -1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// WrapParseError normalizes a non-InvalidQuery error from Parse into
// one, for callers that only want to discriminate InvalidQuery vs.
// everything else.
func WrapParseError(err error) error {
	if err == nil {
		return nil
	}
	var iq *types.InvalidQuery
	if errors.As(err, &iq) {
		return err
	}
	return &types.InvalidQuery{Reason: err.Error()}
}
