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
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMySQLStartupErrorRecognizesBadConn(t *testing.T) {
	require.True(t, isMySQLStartupError(driver.ErrBadConn))
	require.False(t, isMySQLStartupError(errors.New("some other failure")))
}

// These references name the three dialects this package provides; the
// compile-time checks that each satisfies types.RecordStore live beside
// each type's definition. Connecting to a real database is left to the
// reference daemon's integration environment rather than this unit test
// package.
var (
	_ = (*CRDBStore)(nil)
	_ = (*MySQLStore)(nil)
	_ = (*LegacyStore)(nil)
)
