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

// Package sqlstore provides reference types.RecordStore implementations
// backed by real SQL databases, one per dialect the examples retrieval
// carries a driver for: CockroachDB/Postgres via pgx, MySQL via
// go-sql-driver, and a "legacy" Postgres dialect built the way the
// original sink tool talked to a database, via lib/pq and hand-built
// statement strings. All three store their rows in one physical table
// (§ migrations/0001_init) keyed by (table_name, record_id), with the
// record's fields kept as a JSON document: the Query Evaluator (C2)
// only ever asks the store for "every row in table", so a generic
// physical layout is sufficient and keeps the three dialects
// structurally identical.
package sqlstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

// CRDBStore is the primary reference RecordStore, backed by CockroachDB
// or Postgres via pgx (spec.md §6, "Record Store").
type CRDBStore struct {
	pool *pgxpool.Pool
}

var _ types.RecordStore = (*CRDBStore)(nil)

// OpenCRDB connects a pgxpool.Pool to connString, retrying the initial
// ping the way the teacher's stdpool.OpenMySQLAsTarget does for its
// dialect, and returns a CRDBStore ready for use.
func OpenCRDB(ctx context.Context, connString string) (*CRDBStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing crdb connection string")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "opening crdb pool")
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if pingErr := pool.Ping(ctx); pingErr == nil {
			break
		} else if time.Now().After(deadline) {
			pool.Close()
			return nil, errors.Wrap(pingErr, "crdb did not become ready in time")
		} else {
			log.WithError(pingErr).Info("waiting for crdb to become ready")
			select {
			case <-ctx.Done():
				pool.Close()
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}

	return &CRDBStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *CRDBStore) Close() { s.pool.Close() }

func (s *CRDBStore) Upsert(ctx context.Context, id ident.RecordID, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "marshaling record fields")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO viewsync_records (table_name, record_id, fields) VALUES ($1, $2, $3)
		 ON CONFLICT (table_name, record_id) DO UPDATE SET fields = excluded.fields`,
		id.Table().Raw(), id.Local(), data)
	if err != nil {
		return &types.StorageError{Op: "crdb:upsert", Err: err}
	}
	return nil
}

func (s *CRDBStore) Delete(ctx context.Context, id ident.RecordID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM viewsync_records WHERE table_name = $1 AND record_id = $2`,
		id.Table().Raw(), id.Local())
	if err != nil {
		return &types.StorageError{Op: "crdb:delete", Err: err}
	}
	return nil
}

func (s *CRDBStore) Get(ctx context.Context, id ident.RecordID) (types.Record, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT fields FROM viewsync_records WHERE table_name = $1 AND record_id = $2`,
		id.Table().Raw(), id.Local()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, &types.StorageError{Op: "crdb:get", Err: err}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.Record{}, false, &types.StorageError{Op: "crdb:get:decode", Err: err}
	}
	return types.Record{ID: id, Table: id.Table(), Fields: fields}, true, nil
}

func (s *CRDBStore) Execute(ctx context.Context, table ident.Table) (types.RowIterator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id, fields FROM viewsync_records WHERE table_name = $1`, table.Raw())
	if err != nil {
		return nil, &types.StorageError{Op: "crdb:execute", Err: err}
	}
	return &pgxIterator{table: table, rows: rows}, nil
}

type pgxIterator struct {
	table ident.Table
	rows  pgx.Rows
}

func (it *pgxIterator) Next() (types.Record, bool, error) {
	if !it.rows.Next() {
		it.rows.Close()
		if err := it.rows.Err(); err != nil {
			return types.Record{}, false, &types.StorageError{Op: "crdb:iterate", Err: err}
		}
		return types.Record{}, false, nil
	}
	var local string
	var data []byte
	if err := it.rows.Scan(&local, &data); err != nil {
		return types.Record{}, false, &types.StorageError{Op: "crdb:scan", Err: err}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.Record{}, false, &types.StorageError{Op: "crdb:decode", Err: err}
	}
	id := ident.New(it.table.Raw(), local)
	return types.Record{ID: id, Table: it.table, Fields: fields}, true, nil
}
