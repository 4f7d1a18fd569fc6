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
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type clientIDKey struct{}

// clientIDFromContext retrieves the clientId the auth middleware
// extracted from the request's bearer token.
func clientIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientIDKey{}).(string)
	return v, ok
}

type clientClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId"`
}

// tokenIssuer signs and verifies the bearer JWTs that scope every
// Remote API call to one clientId (spec.md §6, "clientId option").
type tokenIssuer struct {
	signingKey       []byte
	provisioningHash []byte // bcrypt hash of the shared provisioning secret
	ttl              time.Duration
}

// newTokenIssuer hashes provisioningToken with bcrypt once at startup,
// the way a static API key would be stored at rest rather than kept in
// cleartext (spec.md DOMAIN STACK, golang.org/x/crypto/bcrypt).
func newTokenIssuer(signingKey []byte, provisioningToken string, ttl time.Duration) (*tokenIssuer, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(provisioningToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "hashing provisioning token")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &tokenIssuer{signingKey: signingKey, provisioningHash: hash, ttl: ttl}, nil
}

func (t *tokenIssuer) issue(clientID, candidateToken string) (string, time.Time, error) {
	if err := bcrypt.CompareHashAndPassword(t.provisioningHash, []byte(candidateToken)); err != nil {
		return "", time.Time{}, &authRejection{reason: "invalid provisioning token"}
	}
	expiresAt := time.Now().Add(t.ttl)
	claims := clientClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiresAt)},
		ClientID:         clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "signing token")
	}
	return signed, expiresAt, nil
}

func (t *tokenIssuer) verify(bearer string) (string, error) {
	claims := &clientClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(tok *jwt.Token) (any, error) {
		return t.signingKey, nil
	})
	if err != nil {
		return "", &authRejection{reason: err.Error()}
	}
	return claims.ClientID, nil
}

type authRejection struct{ reason string }

func (e *authRejection) Error() string { return "auth rejected: " + e.reason }

// middleware enforces a valid bearer token on every route it wraps and
// stashes the resolved clientId in the request context.
func (t *tokenIssuer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		clientID, err := t.verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), clientIDKey{}, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
