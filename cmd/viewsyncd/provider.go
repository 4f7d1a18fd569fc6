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

//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/viewsync/viewsync/internal/config"
)

// Set is used by Wire to assemble a Daemon from a Config.
var Set = wire.NewSet(
	ProvideLogger,
	ProvideStore,
	ProvideKV,
	ProvideIndex,
	ProvideProcessor,
	ProvideGateway,
	ProvideRemoteClient,
	ProvideReconciler,
	ProvideRouter,
	ProvideDiagnostics,
	ProvideStopper,
	wire.Struct(new(Daemon), "*"),
)

// newDaemon is the injector Wire regenerates wire_gen.go from. It is
// never compiled directly; see wire_gen.go for the build actually
// used.
func newDaemon(cfg *config.Config) (*Daemon, func(), error) {
	panic(wire.Build(Set))
}
