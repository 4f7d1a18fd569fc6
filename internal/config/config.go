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

// Package config contains the closed configuration struct for the
// reference viewsyncd daemon: flags via spf13/pflag, the same fields
// overridable from the environment via caarlos0/env, and a Preflight
// step that validates the combination before anything is wired up
// (grounded on internal/source/server.Config's Bind/Preflight split).
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the complete, closed set of knobs the reference daemon
// accepts. Every field is bound to a flag; FromEnvironment additionally
// lets a container deployment override any of them without touching
// argv.
type Config struct {
	ClientID string `env:"VIEWSYNC_CLIENT_ID"`

	BindAddr     string        `env:"VIEWSYNC_BIND_ADDR"`
	RemoteURL    string        `env:"VIEWSYNC_REMOTE_URL"`
	StoreDialect string        `env:"VIEWSYNC_STORE_DIALECT"` // "mem" | "crdb" | "mysql" | "legacy"
	StoreDSN     string        `env:"VIEWSYNC_STORE_DSN"`
	KVDialect    string        `env:"VIEWSYNC_KV_DIALECT"` // "mem" | "redis"
	KVAddr       string        `env:"VIEWSYNC_KV_ADDR"`
	SnapshotKey  string        `env:"VIEWSYNC_SNAPSHOT_KEY"`
	SnapshotTTL  time.Duration `env:"VIEWSYNC_SNAPSHOT_DEBOUNCE"`

	ProvisioningToken string        `env:"VIEWSYNC_PROVISIONING_TOKEN"`
	JWTSigningKey     string        `env:"VIEWSYNC_JWT_SIGNING_KEY"`
	TokenTTL          time.Duration `env:"VIEWSYNC_TOKEN_TTL"`

	UploadMaxRetries  int           `env:"VIEWSYNC_UPLOAD_MAX_RETRIES"`
	UploadBackoffBase time.Duration `env:"VIEWSYNC_UPLOAD_BACKOFF_BASE"`
	UploadBackoffCap  time.Duration `env:"VIEWSYNC_UPLOAD_BACKOFF_CAP"`
	ConvergeKMax      int           `env:"VIEWSYNC_CONVERGE_KMAX"`
}

// Bind registers every field of c as a flag, following the teacher's
// server.Config.Bind convention of one flags.*Var call per field with
// an inline default and help string.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ClientID, "clientId", "",
		"stable identifier for this client; if unset, a new UUIDv7 is generated at each start (not persisted)")
	flags.StringVar(&c.BindAddr, "bindAddr", ":26380",
		"the network address this daemon's own diagnostics/health endpoint binds to")
	flags.StringVar(&c.RemoteURL, "remoteUrl", "http://localhost:26381",
		"base URL of the authoritative remote replica's Remote API")
	flags.StringVar(&c.StoreDialect, "storeDialect", "mem",
		"Record Store backend: mem, crdb, mysql, or legacy")
	flags.StringVar(&c.StoreDSN, "storeDSN", "",
		"connection string for the Record Store backend, ignored for storeDialect=mem")
	flags.StringVar(&c.KVDialect, "kvDialect", "mem",
		"Persistence Gateway backend: mem or redis")
	flags.StringVar(&c.KVAddr, "kvAddr", "",
		"address of the KV backend, ignored for kvDialect=mem")
	flags.StringVar(&c.SnapshotKey, "snapshotKey", "viewsync/snapshot",
		"key under which the Persistence Gateway stores its snapshot")
	flags.DurationVar(&c.SnapshotTTL, "snapshotDebounce", 2*time.Second,
		"quiescence window before the Persistence Gateway flushes a dirty registry")
	flags.StringVar(&c.ProvisioningToken, "provisioningToken", "",
		"shared secret exchanged for a bearer token on first contact with the remote")
	flags.StringVar(&c.JWTSigningKey, "jwtSigningKey", "",
		"HMAC key used to sign/verify bearer JWTs; required when running the reference remote")
	flags.DurationVar(&c.TokenTTL, "tokenTTL", 24*time.Hour,
		"lifetime of an issued bearer token")
	flags.IntVar(&c.UploadMaxRetries, "uploadMaxRetries", 8,
		"retry attempts before the uploader suspends pending a connectivity signal")
	flags.DurationVar(&c.UploadBackoffBase, "uploadBackoffBase", 10*time.Millisecond,
		"initial upload retry backoff")
	flags.DurationVar(&c.UploadBackoffCap, "uploadBackoffCap", 5*time.Second,
		"upload retry backoff ceiling")
	flags.IntVar(&c.ConvergeKMax, "convergeKMax", 32,
		"maximum convergence-loop iterations before convergence of a view gives up with a protocol violation")
}

// FromEnvironment overlays environment variables onto c, letting a
// containerized deployment configure the daemon without argv access.
func (c *Config) FromEnvironment() error {
	return env.Parse(c)
}

// Preflight validates the fully assembled Config and fills in any
// value that must be generated rather than defaulted (spec.md §6,
// "clientId ... generated on first run").
func (c *Config) Preflight() error {
	if c.ClientID == "" {
		c.ClientID = uuid.Must(uuid.NewV7()).String()
	}
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.RemoteURL == "" {
		return errors.New("remoteUrl unset")
	}

	switch c.StoreDialect {
	case "mem":
	case "crdb", "mysql", "legacy":
		if c.StoreDSN == "" {
			return errors.Errorf("storeDialect %q requires storeDSN", c.StoreDialect)
		}
	default:
		return errors.Errorf("unknown storeDialect %q", c.StoreDialect)
	}

	switch c.KVDialect {
	case "mem":
	case "redis":
		if c.KVAddr == "" {
			return errors.New("kvDialect redis requires kvAddr")
		}
	default:
		return errors.Errorf("unknown kvDialect %q", c.KVDialect)
	}

	if c.JWTSigningKey == "" {
		return errors.New("jwtSigningKey unset")
	}
	if c.UploadMaxRetries <= 0 {
		return errors.New("uploadMaxRetries must be positive")
	}
	if c.ConvergeKMax <= 0 {
		return errors.New("convergeKMax must be positive")
	}

	return nil
}
