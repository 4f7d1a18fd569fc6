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

// Package rediskv implements the opaque persistence KV surface
// (spec.md §6) over Redis, for deployments with kvDialect=redis.
package rediskv

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/viewsync/viewsync/internal/types"
)

// Store adapts a *redis.Client to types.KV. GET/SET/DEL map directly
// onto get/set/remove; no expiry is set on written keys, since the
// Persistence Gateway is the only writer and manages its own
// overwrite cadence.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (connection pool, TLS config, auth) and must close it
// separately.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

var _ types.KV = (*Store)(nil)

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
