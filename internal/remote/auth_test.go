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

package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenIssuerIssueAndVerify(t *testing.T) {
	issuer, err := newTokenIssuer([]byte("secret"), "correct-horse", time.Minute)
	require.NoError(t, err)

	token, expiresAt, err := issuer.issue("client-1", "correct-horse")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, time.Second)

	clientID, err := issuer.verify(token)
	require.NoError(t, err)
	require.Equal(t, "client-1", clientID)
}

func TestTokenIssuerRejectsWrongProvisioningToken(t *testing.T) {
	issuer, err := newTokenIssuer([]byte("secret"), "correct-horse", time.Minute)
	require.NoError(t, err)

	_, _, err = issuer.issue("client-1", "wrong-token")
	require.Error(t, err)
}

func TestTokenIssuerRejectsTamperedToken(t *testing.T) {
	issuer, err := newTokenIssuer([]byte("secret"), "correct-horse", time.Minute)
	require.NoError(t, err)

	other, err := newTokenIssuer([]byte("different-secret"), "correct-horse", time.Minute)
	require.NoError(t, err)

	token, _, err := other.issue("client-1", "correct-horse")
	require.NoError(t, err)

	_, err = issuer.verify(token)
	require.Error(t, err)
}
