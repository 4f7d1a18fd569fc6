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

// Package types contains the data types and interfaces that define the
// major functional blocks within viewsync: the record model, the view
// registry's result model, and the external collaborator contracts
// (Record Store, Remote API, opaque KV) that the core engine is built
// against. Keeping these in one package makes it possible to compose
// the stream processor, sync reconciler, and their adapters without
// import cycles.
package types

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/viewsync/viewsync/internal/ident"
)

// OpKind enumerates the kinds of mutation a Record Store event can
// carry.
type OpKind int

const (
	// OpUnknown is the zero value and is never valid on the wire.
	OpUnknown OpKind = iota
	OpCreate
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Record is a single row: an id, the table it belongs to, and a
// free-form JSON-compatible field set. Nested RecordIDs are allowed
// within Fields.
type Record struct {
	ID     ident.RecordID
	Table  ident.Table
	Fields map[string]any
}

// Clone returns a deep-enough copy of the Record's Fields map so that
// callers can safely retain a Record beyond the lifetime of the map
// that produced it.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{ID: r.ID, Table: r.Table, Fields: fields}
}

// RecordStore is the external collaborator described in spec.md §6: a
// content-addressed local store supporting upsert-by-id, delete-by-id,
// point reads, ad hoc query execution, and (optionally) a live
// subscription feed. viewsync treats concrete implementations as owned,
// polymorphic values chosen at construction time (spec.md §9, "Dynamic
// dispatch edges").
type RecordStore interface {
	Upsert(ctx context.Context, id ident.RecordID, fields map[string]any) error
	Delete(ctx context.Context, id ident.RecordID) error
	Get(ctx context.Context, id ident.RecordID) (Record, bool, error)
	Execute(ctx context.Context, table ident.Table) (RowIterator, error)
}

// RowIterator yields every Record currently stored for a table, in an
// implementation-defined but stable order. The Query Evaluator (C2) is
// responsible for turning this into ORDER BY / WHERE / LIMIT semantics.
type RowIterator interface {
	Next() (Record, bool, error)
}

// LiveEvent is emitted by RecordStore implementations that support
// subscribeLive.
type LiveEvent struct {
	Table ident.Table
	Op    OpKind
	ID    ident.RecordID
}

// LiveSubscriber is the optional capability a RecordStore may implement.
type LiveSubscriber interface {
	SubscribeLive(ctx context.Context, table ident.Table) (<-chan LiveEvent, func(), error)
}

// Mutation is an up-queue entry: a pending change that must be applied
// to the remote replica.
type Mutation struct {
	Type OpKind
	ID   ident.RecordID
	Data map[string]any // nil for DELETE
}

// View is an immutable (after registration) registered query.
type View struct {
	ViewID         string
	SQL            string
	Params         map[string]any
	PrimaryTable   ident.Table
	InvolvedTables []ident.Table
	TTL            time.Duration
	LastActiveAt   time.Time
}

// ViewUpdate is emitted by the Stream Processor whenever a view's
// resultHash changes.
type ViewUpdate struct {
	ViewID       string
	VersionArray []VersionEntry
	ResultHash   [32]byte
	Op           OpKind
}

// VersionEntry is one (RecordID, version) pair within a view's
// versionArray.
type VersionEntry struct {
	ID      ident.RecordID
	Version uint64
}

// Down-queue event kinds.
type DownEventKind int

const (
	DownUnknown DownEventKind = iota
	DownRegister
	DownSync
	DownHeartbeat
	DownCleanup
)

// DownEvent is a remote-originated event delivered to the Sync
// Reconciler's down-queue.
type DownEvent struct {
	Kind   DownEventKind
	ViewID string

	// Register fields.
	SQL    string
	Params map[string]any
	TTL    time.Duration

	// Sync fields.
	LocalArray   []VersionEntry
	LocalHash    [32]byte
	RemoteArray  []VersionEntry
	RemoteHash   [32]byte
}

// Error taxonomy (spec.md §7).

// InvalidQuery is raised by the Query Evaluator on a syntactically or
// semantically rejected query. Fatal to the calling registerView.
type InvalidQuery struct {
	SQL    string
	Reason string
}

func (e *InvalidQuery) Error() string {
	return "invalid query: " + e.Reason + ": " + e.SQL
}

// EvalError is raised by the Query Evaluator on a runtime evaluation
// failure (missing parameter, type mismatch). The affected view is
// marked degraded; its state is left unchanged.
type EvalError struct {
	ViewID string
	Reason string
}

func (e *EvalError) Error() string {
	return "eval error in view " + e.ViewID + ": " + e.Reason
}

// StorageError wraps a failure from the underlying Record Store. It
// propagates to the caller; up-queue items stay pending.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage error during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// RemoteError is a transient network/remote failure. Retried per
// spec.md §4.6.3.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return "remote error during " + e.Op + ": " + e.Err.Error()
}

func (e *RemoteError) Unwrap() error { return e.Err }

// AuthError indicates the remote rejected credentials. Not retried; the
// up-queue is paused until resolved.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// Corruption indicates a snapshot failed to deserialize. The Stream
// Processor starts empty and logs.
type Corruption struct {
	Err error
}

func (e *Corruption) Error() string { return "corrupt snapshot: " + e.Err.Error() }
func (e *Corruption) Unwrap() error { return e.Err }

// ProtocolViolation indicates a remote response is inconsistent with
// version-array invariants (e.g. duplicate ids). The view's convergence
// aborts and the error is returned to the caller; the view's degraded
// flag is not changed (only Query Evaluator failures set it).
type ProtocolViolation struct {
	ViewID string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation for view " + e.ViewID + ": " + e.Reason
}

// Remote is the minimum client contract to an authoritative remote
// replica (spec.md §6).
type Remote interface {
	RegisterView(ctx context.Context, viewID, sql string, params map[string]any, ttl time.Duration, clientID string, now time.Time) (hash [32]byte, versionArray []VersionEntry, err error)
	Heartbeat(ctx context.Context, viewID string) error
	DeleteView(ctx context.Context, viewID string) error
	SelectByIDs(ctx context.Context, ids []ident.RecordID) ([]Record, error)
	Mutate(ctx context.Context, m Mutation) error
	Subscribe(ctx context.Context, clientID string) (<-chan DownEvent, func(), error)
}

// KV is the opaque persistence key-value surface (spec.md §6).
type KV interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
}

// IsLeaseBusy-style helper retained for symmetry with the teacher's
// error-discrimination idiom; used by callers that want to special-case
// AuthError without importing errors.As at every call site.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	ok := errors.As(err, &ae)
	return ae, ok
}

func AsProtocolViolation(err error) (*ProtocolViolation, bool) {
	var pv *ProtocolViolation
	ok := errors.As(err, &pv)
	return pv, ok
}
