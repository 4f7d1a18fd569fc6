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

// Package remote implements the reference HTTP transport for the
// Remote API described in spec.md §6: a server that fronts a
// streamproc.Processor with chi-routed handlers, and a client
// implementing types.Remote against that server. Bearer tokens are
// JWTs scoped to a clientId; a static provisioning token, hashed with
// bcrypt, gates the initial token issuance.
package remote

import (
	"encoding/hex"
	"time"

	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

type registerRequest struct {
	SQL    string         `json:"sql"`
	Params map[string]any `json:"params"`
	TTLMS  int64          `json:"ttlMs"`
}

type registerResponse struct {
	Hash         string              `json:"hash"`
	VersionArray []versionEntryWire `json:"versionArray"`
}

type versionEntryWire struct {
	ID      ident.RecordID `json:"id"`
	Version uint64         `json:"version"`
}

func toWireArray(array []types.VersionEntry) []versionEntryWire {
	out := make([]versionEntryWire, len(array))
	for i, e := range array {
		out[i] = versionEntryWire{ID: e.ID, Version: e.Version}
	}
	return out
}

func fromWireArray(wire []versionEntryWire) []types.VersionEntry {
	out := make([]types.VersionEntry, len(wire))
	for i, e := range wire {
		out[i] = types.VersionEntry{ID: e.ID, Version: e.Version}
	}
	return out
}

func hashToHex(h [32]byte) string  { return hex.EncodeToString(h[:]) }
func hexToHash(s string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out
	}
	copy(out[:], b)
	return out
}

type selectRequest struct {
	IDs []ident.RecordID `json:"ids"`
}

type recordWire struct {
	ID     ident.RecordID `json:"id"`
	Table  ident.Table    `json:"table"`
	Fields map[string]any `json:"fields"`
}

func toWireRecords(records []types.Record) []recordWire {
	out := make([]recordWire, len(records))
	for i, r := range records {
		out[i] = recordWire{ID: r.ID, Table: r.Table, Fields: r.Fields}
	}
	return out
}

func fromWireRecords(wire []recordWire) []types.Record {
	out := make([]types.Record, len(wire))
	for i, r := range wire {
		out[i] = types.Record{ID: r.ID, Table: r.Table, Fields: r.Fields}
	}
	return out
}

type mutateRequest struct {
	Mode   string         `json:"mode"` // "create" | "update"
	Fields map[string]any `json:"fields,omitempty"`
}

type streamFrame struct {
	ViewID       string             `json:"viewId"`
	Hash         string             `json:"hash"`
	VersionArray []versionEntryWire `json:"versionArray"`
}

type tokenRequest struct {
	ProvisioningToken string `json:"provisioningToken"`
	ClientID          string `json:"clientId"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
