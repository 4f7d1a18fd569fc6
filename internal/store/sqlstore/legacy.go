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

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

// LegacyStore is a Postgres-dialect RecordStore built the way the
// original sink tool talked to the database: lib/pq plus hand-built
// statement strings rather than a query builder, one statement per
// operation (sink.go's upsertRow/deleteRow).
type LegacyStore struct {
	db *sql.DB
}

var _ types.RecordStore = (*LegacyStore)(nil)

// OpenLegacy opens dsn via lib/pq.
func OpenLegacy(connString string) (*LegacyStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "could not ping legacy database")
	}
	return &LegacyStore{db: db}, nil
}

// Close releases the underlying *sql.DB.
func (s *LegacyStore) Close() error { return s.db.Close() }

func (s *LegacyStore) Upsert(ctx context.Context, id ident.RecordID, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "marshaling record fields")
	}

	statement := fmt.Sprintf(
		"INSERT INTO viewsync_records (table_name, record_id, fields) VALUES ($1, $2, $3)" +
			" ON CONFLICT (table_name, record_id) DO UPDATE SET fields = excluded.fields")
	log.Debugf("Upsert Statement: %s", statement)

	if _, err := s.db.ExecContext(ctx, statement, id.Table().Raw(), id.Local(), data); err != nil {
		return &types.StorageError{Op: "legacy:upsert", Err: err}
	}
	return nil
}

func (s *LegacyStore) Delete(ctx context.Context, id ident.RecordID) error {
	statement := fmt.Sprintf(
		"DELETE FROM viewsync_records WHERE table_name = $1 AND record_id = $2")
	log.Debugf("Delete Statement: %s", statement)

	if _, err := s.db.ExecContext(ctx, statement, id.Table().Raw(), id.Local()); err != nil {
		return &types.StorageError{Op: "legacy:delete", Err: err}
	}
	return nil
}

func (s *LegacyStore) Get(ctx context.Context, id ident.RecordID) (types.Record, bool, error) {
	statement := fmt.Sprintf(
		"SELECT fields FROM viewsync_records WHERE table_name = $1 AND record_id = $2")

	var data []byte
	err := s.db.QueryRowContext(ctx, statement, id.Table().Raw(), id.Local()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, &types.StorageError{Op: "legacy:get", Err: err}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.Record{}, false, &types.StorageError{Op: "legacy:get:decode", Err: err}
	}
	return types.Record{ID: id, Table: id.Table(), Fields: fields}, true, nil
}

func (s *LegacyStore) Execute(ctx context.Context, table ident.Table) (types.RowIterator, error) {
	statement := fmt.Sprintf(
		"SELECT record_id, fields FROM viewsync_records WHERE table_name = $1")

	rows, err := s.db.QueryContext(ctx, statement, table.Raw())
	if err != nil {
		return nil, &types.StorageError{Op: "legacy:execute", Err: err}
	}
	return &sqlIterator{table: table, rows: rows, op: "legacy"}, nil
}
