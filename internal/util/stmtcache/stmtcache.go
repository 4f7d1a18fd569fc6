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

// Package stmtcache implements a bounded, generic cache of prepared
// statements keyed by an arbitrary comparable key (typically the SQL
// text itself).
package stmtcache

import (
	"container/list"
	"database/sql"
	"sync"
)

// Cache is a bounded LRU cache of *sql.Stmt, keyed by K.
type Cache[K comparable] struct {
	db   *sql.DB
	size int

	mu struct {
		sync.Mutex
		entries map[K]*list.Element
		order   *list.List // front = most-recently-used
	}
}

type entry[K comparable] struct {
	key  K
	stmt *sql.Stmt
}

// New constructs a Cache backed by db, holding at most size prepared
// statements at once.
func New[K comparable](db *sql.DB, size int) *Cache[K] {
	if size <= 0 {
		size = 1
	}
	c := &Cache[K]{db: db, size: size}
	c.mu.entries = make(map[K]*list.Element)
	c.mu.order = list.New()
	return c
}

// Prepare returns a cached *sql.Stmt for key, preparing query and
// evicting the least-recently-used entry if the cache is full.
func (c *Cache[K]) Prepare(key K, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	if el, found := c.mu.entries[key]; found {
		c.mu.order.MoveToFront(el)
		stmt := el.Value.(*entry[K]).stmt
		c.mu.Unlock()
		return stmt, nil
	}
	c.mu.Unlock()

	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, found := c.mu.entries[key]; found {
		// Lost a race; keep the existing entry and discard ours.
		_ = stmt.Close()
		c.mu.order.MoveToFront(el)
		return el.Value.(*entry[K]).stmt, nil
	}

	el := c.mu.order.PushFront(&entry[K]{key: key, stmt: stmt})
	c.mu.entries[key] = el

	for c.mu.order.Len() > c.size {
		oldest := c.mu.order.Back()
		if oldest == nil {
			break
		}
		c.mu.order.Remove(oldest)
		oldEntry := oldest.Value.(*entry[K])
		delete(c.mu.entries, oldEntry.key)
		_ = oldEntry.stmt.Close()
	}

	return stmt, nil
}

// Len reports the number of cached statements.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.order.Len()
}

// Close closes all cached statements.
func (c *Cache[K]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for el := c.mu.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*entry[K]).stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.entries = make(map[K]*list.Element)
	c.mu.order.Init()
	return firstErr
}
