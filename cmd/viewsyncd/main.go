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

// Command viewsyncd runs the reference view-sync daemon: it maintains
// a set of registered views over a local Record Store, keeps them
// converged against an authoritative remote replica, and persists its
// registry across restarts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/viewsync/viewsync/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := &config.Config{}
	flags := pflag.NewFlagSet("viewsyncd", pflag.ContinueOnError)
	cfg.Bind(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := cfg.FromEnvironment(); err != nil {
		return err
	}
	if err := cfg.Preflight(); err != nil {
		return err
	}

	daemon, cleanup, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	daemon.Log.WithField("clientId", cfg.ClientID).Info("viewsyncd starting")
	daemon.Run()
	return nil
}
