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

// Package ident defines the canonical representation of a record
// identifier: the pair (table, local) rendered as "table:local".
package ident

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Table is a canonicalized table name.
type Table string

// NewTable normalizes and returns a Table.
func NewTable(raw string) Table {
	return Table(canonicalize(raw))
}

// Raw returns the canonical string form.
func (t Table) Raw() string { return string(t) }

func (t Table) String() string { return string(t) }

// RecordID is the canonical (table, local) pair, rendered as
// "table:local". Two RecordIDs constructed from Unicode-equivalent but
// byte-distinct inputs normalize to the same canonical string, which is
// required to keep resultHash a pure function of canonically-equal
// inputs (spec.md §9, "Heterogeneous ID objects").
type RecordID struct {
	table string
	local string
}

// New builds a RecordID from an already-split table and local id.
func New(table, local string) RecordID {
	return RecordID{table: canonicalize(table), local: canonicalize(local)}
}

// Parse splits a canonical "table:local" string. Only that string form
// is handled here; an object form {"table": "...", "id": "..."} is not
// accepted, and callers holding one decode it themselves and call New
// directly.
func Parse(s string) (RecordID, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return RecordID{}, errors.Errorf("malformed record id %q: missing ':'", s)
	}
	table := s[:idx]
	local := s[idx+1:]
	if table == "" || local == "" {
		return RecordID{}, errors.Errorf("malformed record id %q: empty component", s)
	}
	return New(table, local), nil
}

// Table returns the table component.
func (r RecordID) Table() Table { return Table(r.table) }

// Local returns the local (within-table) component.
func (r RecordID) Local() string { return r.local }

// String renders the canonical "table:local" form.
func (r RecordID) String() string {
	return fmt.Sprintf("%s:%s", r.table, r.local)
}

// IsZero reports whether this is the zero-value RecordID.
func (r RecordID) IsZero() bool { return r.table == "" && r.local == "" }

// MarshalText renders the canonical "table:local" form, letting
// RecordID be embedded directly in JSON (and any other encoding built
// on encoding.TextMarshaler) without a bespoke wrapper type.
func (r RecordID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses the canonical "table:local" form produced by
// MarshalText.
func (r *RecordID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// canonicalize applies Unicode NFC normalization so that
// visually/semantically identical identifiers coming from different
// clients (different normalization forms, e.g. a composed "é" vs. a
// combining-accent sequence) collapse to one canonical byte sequence
// before ever reaching the hasher.
func canonicalize(s string) string {
	return norm.NFC.String(s)
}
