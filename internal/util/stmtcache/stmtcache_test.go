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

package stmtcache

import (
	"database/sql"
	"database/sql/driver"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingDriver is a minimal database/sql/driver.Driver that records
// how many times each query string was prepared, so the cache's
// hit/evict behavior can be asserted without a real database.
type countingDriver struct {
	mu       sync.Mutex
	prepares map[string]int
}

func (d *countingDriver) Open(string) (driver.Conn, error) {
	return &countingConn{d: d}, nil
}

type countingConn struct{ d *countingDriver }

func (c *countingConn) Prepare(query string) (driver.Stmt, error) {
	c.d.mu.Lock()
	if c.d.prepares == nil {
		c.d.prepares = make(map[string]int)
	}
	c.d.prepares[query]++
	c.d.mu.Unlock()
	return &countingStmt{}, nil
}
func (c *countingConn) Close() error              { return nil }
func (c *countingConn) Begin() (driver.Tx, error) { return nil, sql.ErrTxDone }

type countingStmt struct{}

func (s *countingStmt) Close() error  { return nil }
func (s *countingStmt) NumInput() int { return -1 }
func (s *countingStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}
func (s *countingStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, sql.ErrNoRows
}

func newCountingDB(t *testing.T) (*sql.DB, *countingDriver) {
	t.Helper()
	name := "stmtcache-" + t.Name()
	d := &countingDriver{}
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, d
}

func (d *countingDriver) count(query string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepares[query]
}

func TestPrepareCachesRepeatedQueries(t *testing.T) {
	db, drv := newCountingDB(t)
	c := New[string](db, 4)

	stmt1, err := c.Prepare("select 1", "SELECT 1")
	require.NoError(t, err)
	stmt2, err := c.Prepare("select 1", "SELECT 1")
	require.NoError(t, err)
	require.Same(t, stmt1, stmt2)
	require.Equal(t, 1, drv.count("SELECT 1"))
	require.Equal(t, 1, c.Len())
}

func TestPrepareEvictsLeastRecentlyUsed(t *testing.T) {
	db, drv := newCountingDB(t)
	c := New[string](db, 2)

	_, err := c.Prepare("a", "SELECT A")
	require.NoError(t, err)
	_, err = c.Prepare("b", "SELECT B")
	require.NoError(t, err)
	// Touch "a" so "b" becomes the least-recently-used entry.
	_, err = c.Prepare("a", "SELECT A")
	require.NoError(t, err)
	_, err = c.Prepare("c", "SELECT C")
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	// "b" was evicted; re-preparing it must hit the driver again.
	_, err = c.Prepare("b", "SELECT B")
	require.NoError(t, err)
	require.Equal(t, 2, drv.count("SELECT B"))
	// "a" and "c" survived the eviction.
	require.Equal(t, 1, drv.count("SELECT A"))
	require.Equal(t, 1, drv.count("SELECT C"))
}

func TestCloseReleasesAllStatements(t *testing.T) {
	db, _ := newCountingDB(t)
	c := New[string](db, 4)

	_, err := c.Prepare("a", "SELECT A")
	require.NoError(t, err)
	_, err = c.Prepare("b", "SELECT B")
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Close())
	require.Equal(t, 0, c.Len())
}
