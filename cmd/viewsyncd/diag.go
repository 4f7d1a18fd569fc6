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

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/config"
	"github.com/viewsync/viewsync/internal/streamproc"
	"github.com/viewsync/viewsync/internal/util/diag"
)

// ProvideDiagnostics builds the diagnostics registry cfg.BindAddr
// serves and registers sp under the "streamproc" name, the way
// internal/source/server wires its own Diagnostics registry around
// whatever components a given mode starts.
func ProvideDiagnostics(sp *streamproc.Processor) (*diag.Diagnostics, func()) {
	d, cleanup := diag.New(context.Background())
	if err := d.Register("streamproc", sp); err != nil {
		panic(err) // only reachable if "streamproc" were registered twice
	}
	return d, cleanup
}

// diagServer answers GET /debug/diagnostics with the registry's
// current Snapshot and GET /debug/health with a trivial liveness
// check, bound to cfg.BindAddr (spec.md §6: "this daemon's own
// diagnostics/health endpoint").
type diagServer struct {
	diagnostics *diag.Diagnostics
	srv         *http.Server
	log         *logrus.Entry
}

func newDiagServer(cfg *config.Config, d *diag.Diagnostics, log *logrus.Entry) *diagServer {
	r := chi.NewRouter()
	ds := &diagServer{diagnostics: d, log: log}
	r.Get("/debug/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/debug/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Snapshot(r.Context()))
	})
	ds.srv = &http.Server{Addr: cfg.BindAddr, Handler: r}
	return ds
}

// run starts serving until sctx is stopped, then shuts the listener
// down within the same drain window the caller gives the rest of the
// daemon's workers.
func (d *diagServer) run(sctx stoppable) {
	sctx.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- d.srv.ListenAndServe() }()
		select {
		case <-sctx.Stopping():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.srv.Shutdown(ctx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				d.log.WithError(err).Error("diagnostics server exited")
			}
			return nil
		}
	})
}

// stoppable is the subset of *stopper.Context diagServer.run needs;
// declared as an interface purely so diag_test.go can exercise run
// without a real stopper.Context goroutine group.
type stoppable interface {
	Go(func() error)
	Stopping() <-chan struct{}
}
