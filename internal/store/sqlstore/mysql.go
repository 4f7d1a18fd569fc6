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
	sqldriver "database/sql/driver"
	"encoding/json"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/stmtcache"
)

// mysqlStmtCacheSize bounds the number of prepared statements MySQLStore
// keeps open at once. Four call sites (upsert/delete/get/execute) each
// prepare one fixed statement, so this never evicts in practice.
const mysqlStmtCacheSize = 8

// MySQLStore is the MySQL-dialect reference RecordStore. Its
// connection startup is grounded directly on the teacher's
// stdpool.OpenMySQLAsTarget: open, then retry Ping in a loop until the
// server is ready rather than failing the first attempt. Each of its
// four fixed statements is prepared once and reused through a
// stmtcache.Cache, rather than re-parsed by the driver on every call.
type MySQLStore struct {
	db    *sql.DB
	stmts *stmtcache.Cache[string]
}

var _ types.RecordStore = (*MySQLStore)(nil)

// OpenMySQL opens and pings dsn, waiting for the server to come up the
// way stdpool.OpenMySQLAsTarget does for cdc-sink's MySQL target.
func OpenMySQL(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}

ping:
	if err := db.PingContext(ctx); err != nil {
		if isMySQLStartupError(err) {
			log.WithError(err).Info("waiting for mysql to become ready")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				goto ping
			}
		}
		return nil, errors.Wrap(err, "could not ping mysql")
	}

	return &MySQLStore{db: db, stmts: stmtcache.New[string](db, mysqlStmtCacheSize)}, nil
}

func isMySQLStartupError(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn)
}

// Close releases the underlying *sql.DB and any statements cached
// against it.
func (s *MySQLStore) Close() error {
	_ = s.stmts.Close()
	return s.db.Close()
}

const mysqlUpsertStmt = `INSERT INTO viewsync_records (table_name, record_id, fields) VALUES (?, ?, ?)
	 ON DUPLICATE KEY UPDATE fields = VALUES(fields)`

func (s *MySQLStore) Upsert(ctx context.Context, id ident.RecordID, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "marshaling record fields")
	}
	stmt, err := s.stmts.Prepare(mysqlUpsertStmt, mysqlUpsertStmt)
	if err != nil {
		return &types.StorageError{Op: "mysql:upsert:prepare", Err: err}
	}
	if _, err := stmt.ExecContext(ctx, id.Table().Raw(), id.Local(), data); err != nil {
		return &types.StorageError{Op: "mysql:upsert", Err: err}
	}
	return nil
}

const mysqlDeleteStmt = `DELETE FROM viewsync_records WHERE table_name = ? AND record_id = ?`

func (s *MySQLStore) Delete(ctx context.Context, id ident.RecordID) error {
	stmt, err := s.stmts.Prepare(mysqlDeleteStmt, mysqlDeleteStmt)
	if err != nil {
		return &types.StorageError{Op: "mysql:delete:prepare", Err: err}
	}
	if _, err := stmt.ExecContext(ctx, id.Table().Raw(), id.Local()); err != nil {
		return &types.StorageError{Op: "mysql:delete", Err: err}
	}
	return nil
}

const mysqlGetStmt = `SELECT fields FROM viewsync_records WHERE table_name = ? AND record_id = ?`

func (s *MySQLStore) Get(ctx context.Context, id ident.RecordID) (types.Record, bool, error) {
	stmt, err := s.stmts.Prepare(mysqlGetStmt, mysqlGetStmt)
	if err != nil {
		return types.Record{}, false, &types.StorageError{Op: "mysql:get:prepare", Err: err}
	}
	var data []byte
	err = stmt.QueryRowContext(ctx, id.Table().Raw(), id.Local()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, &types.StorageError{Op: "mysql:get", Err: err}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.Record{}, false, &types.StorageError{Op: "mysql:get:decode", Err: err}
	}
	return types.Record{ID: id, Table: id.Table(), Fields: fields}, true, nil
}

const mysqlExecuteStmt = `SELECT record_id, fields FROM viewsync_records WHERE table_name = ?`

func (s *MySQLStore) Execute(ctx context.Context, table ident.Table) (types.RowIterator, error) {
	stmt, err := s.stmts.Prepare(mysqlExecuteStmt, mysqlExecuteStmt)
	if err != nil {
		return nil, &types.StorageError{Op: "mysql:execute:prepare", Err: err}
	}
	rows, err := stmt.QueryContext(ctx, table.Raw())
	if err != nil {
		return nil, &types.StorageError{Op: "mysql:execute", Err: err}
	}
	return &sqlIterator{table: table, rows: rows, op: "mysql"}, nil
}

// sqlIterator adapts a *sql.Rows to types.RowIterator. Shared between
// the MySQL and legacy dialects, both of which go through
// database/sql rather than pgx.
type sqlIterator struct {
	table ident.Table
	rows  *sql.Rows
	op    string
}

func (it *sqlIterator) Next() (types.Record, bool, error) {
	if !it.rows.Next() {
		it.rows.Close()
		if err := it.rows.Err(); err != nil {
			return types.Record{}, false, &types.StorageError{Op: it.op + ":iterate", Err: err}
		}
		return types.Record{}, false, nil
	}
	var local string
	var data []byte
	if err := it.rows.Scan(&local, &data); err != nil {
		return types.Record{}, false, &types.StorageError{Op: it.op + ":scan", Err: err}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.Record{}, false, &types.StorageError{Op: it.op + ":decode", Err: err}
	}
	id := ident.New(it.table.Raw(), local)
	return types.Record{ID: id, Table: it.table, Fields: fields}, true, nil
}
