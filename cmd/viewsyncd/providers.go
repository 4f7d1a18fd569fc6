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

// Package main is the reference viewsyncd daemon: it wires the Record
// Store, Stream Processor, Persistence Gateway, Remote API client, and
// Sync Reconciler into one running process, the way
// internal/source/logical/provider.go wires cdc-sink's replication
// pipeline.
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/config"
	"github.com/viewsync/viewsync/internal/depindex"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/persistence"
	"github.com/viewsync/viewsync/internal/persistence/memkv"
	"github.com/viewsync/viewsync/internal/persistence/rediskv"
	"github.com/viewsync/viewsync/internal/reconciler"
	"github.com/viewsync/viewsync/internal/remote"
	"github.com/viewsync/viewsync/internal/router"
	"github.com/viewsync/viewsync/internal/store/memstore"
	"github.com/viewsync/viewsync/internal/store/sqlstore"
	"github.com/viewsync/viewsync/internal/streamproc"
	"github.com/viewsync/viewsync/internal/types"
	"github.com/viewsync/viewsync/internal/util/diag"
	"github.com/viewsync/viewsync/internal/util/stopper"
)

// ProvideLogger constructs the daemon's root structured logger.
func ProvideLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(logger)
}

// ProvideStore opens the Record Store dialect named by cfg.StoreDialect.
func ProvideStore(cfg *config.Config, log *logrus.Entry) (types.RecordStore, func(), error) {
	switch cfg.StoreDialect {
	case "mem":
		return memstore.New(), func() {}, nil
	case "crdb":
		store, err := sqlstore.OpenCRDB(context.Background(), cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "mysql":
		store, err := sqlstore.OpenMySQL(context.Background(), cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "legacy":
		store, err := sqlstore.OpenLegacy(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown store dialect %q", cfg.StoreDialect)
	}
}

// ProvideKV opens the Persistence Gateway's KV backend.
func ProvideKV(cfg *config.Config) (types.KV, func(), error) {
	switch cfg.KVDialect {
	case "mem":
		return memkv.New(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.KVAddr})
		return rediskv.New(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown kv dialect %q", cfg.KVDialect)
	}
}

// ProvideIndex constructs an empty Dependency Index.
func ProvideIndex() *depindex.Index {
	return depindex.New()
}

// ProvideProcessor constructs the Stream Processor over store and index.
func ProvideProcessor(store types.RecordStore, index *depindex.Index, log *logrus.Entry) *streamproc.Processor {
	return streamproc.New(store, index, log.WithField("component", "streamproc"))
}

// ProvideGateway wires the Persistence Gateway around kv and sp, and
// restores any prior snapshot before the daemon starts serving.
func ProvideGateway(cfg *config.Config, kv types.KV, sp *streamproc.Processor, log *logrus.Entry) (*persistence.Gateway, error) {
	gw := persistence.New(kv, cfg.SnapshotKey, sp, cfg.SnapshotTTL, log.WithField("component", "persistence"))
	if err := gw.Load(context.Background()); err != nil {
		log.WithError(err).Warn("persistence gateway: starting from an empty registry")
	}
	sp.SetDirtyHook(gw.MarkDirty)
	return gw, nil
}

// ProvideRemoteClient constructs and authenticates the Remote API
// client the Sync Reconciler drives.
func ProvideRemoteClient(cfg *config.Config) (*remote.Client, error) {
	client := remote.NewClient(cfg.RemoteURL, nil)
	if err := client.Authenticate(context.Background(), cfg.ClientID, cfg.ProvisioningToken); err != nil {
		return nil, errors.Wrap(err, "authenticating with remote")
	}
	return client, nil
}

// ProvideReconciler wires the Sync Reconciler around sp and the remote
// client.
func ProvideReconciler(cfg *config.Config, sp *streamproc.Processor, client *remote.Client, log *logrus.Entry) *reconciler.Reconciler {
	return reconciler.New(sp, client, reconciler.Config{
		MaxRetries:  cfg.UploadMaxRetries,
		BackoffBase: cfg.UploadBackoffBase,
		BackoffCap:  cfg.UploadBackoffCap,
		KMax:        cfg.ConvergeKMax,
	}, log.WithField("component", "reconciler"))
}

// ProvideStopper constructs the root goroutine-lifecycle context for
// the daemon's long-running workers.
func ProvideStopper() *stopper.Context {
	return stopper.WithContext(context.Background())
}

// ProvideRouter builds the Router (C8) and registers the handlers that
// realize spec.md §2's fan-out: a locally originated mutation reaches
// the Sync Reconciler's up-queue, and a remote-originated down-queue
// event reaches the Sync Reconciler's down-queue. Callers that want
// additional local subscribers (e.g. a live-query feed back to an
// application) register more handlers on (SourceLocal, "viewupdate")
// after construction.
func ProvideRouter(recon *reconciler.Reconciler, log *logrus.Entry) *router.Router {
	rtr := router.New(log.WithField("component", "router"))
	rtr.Register(router.SourceLocal, "mutation", func(_ context.Context, event router.Event) error {
		m, ok := event.Payload.(types.Mutation)
		if !ok {
			return errors.New("router: \"mutation\" event carried an unexpected payload type")
		}
		recon.EnqueueMutation(m)
		return nil
	})
	rtr.Register(router.SourceRemote, "down", func(_ context.Context, event router.Event) error {
		e, ok := event.Payload.(types.DownEvent)
		if !ok {
			return errors.New("router: \"down\" event carried an unexpected payload type")
		}
		recon.EnqueueDownEvent(e)
		return nil
	})
	return rtr
}

// Daemon bundles every long-lived component the reference viewsyncd
// process owns.
type Daemon struct {
	Config      *config.Config
	Log         *logrus.Entry
	Store       types.RecordStore
	Processor   *streamproc.Processor
	Gateway     *persistence.Gateway
	Remote      *remote.Client
	Reconciler  *reconciler.Reconciler
	Router      *router.Router
	Diagnostics *diag.Diagnostics
	Stopper     *stopper.Context
}

// Run starts the Persistence Gateway's debounce loop, the Sync
// Reconciler's uploader/downloader, the pump that drains the Remote
// API's live subscription feed into the Router, and the diagnostics
// HTTP server on Config.BindAddr, then blocks until the daemon's
// stopper is stopped.
func (d *Daemon) Run() {
	d.Gateway.Run(d.Stopper)
	d.Reconciler.Run(d.Stopper)
	d.runSubscriptionPump()
	newDiagServer(d.Config, d.Diagnostics, d.Log.WithField("component", "diag")).run(d.Stopper)
	<-d.Stopper.Stopping()
	d.Stopper.Stop(30 * time.Second)
}

// runSubscriptionPump drains the Remote API's live-update stream for
// this client and hands every event to the Router as a
// (SourceRemote, "down") event, which the handler registered by
// ProvideRouter forwards to the Sync Reconciler's down-queue (spec.md
// §2: "Remote deliveries arrive ... enter SR down-queue").
func (d *Daemon) runSubscriptionPump() {
	d.Stopper.Go(func() error {
		events, cancel, err := d.Remote.Subscribe(context.Background(), d.Config.ClientID)
		if err != nil {
			d.Log.WithError(err).Error("subscription pump: failed to subscribe to remote")
			return err
		}
		defer cancel()
		for {
			select {
			case <-d.Stopper.Stopping():
				return nil
			case event, ok := <-events:
				if !ok {
					return nil
				}
				d.Router.Dispatch(context.Background(), router.Event{
					Source: router.SourceRemote, Name: "down", Payload: event,
				})
			}
		}
	})
}

// Ingest is the library-facing entry point for a locally originated
// write: it applies the mutation to the Record Store and recomputes
// affected views through the Stream Processor (optimistic=true, since
// every caller-driven Ingest is a local write per spec.md §4.4.2), then
// fans the result out through the Router to the Sync Reconciler's
// up-queue and to any other registered local subscribers.
func (d *Daemon) Ingest(
	ctx context.Context, table ident.Table, op types.OpKind, id ident.RecordID, data map[string]any,
) ([]types.ViewUpdate, error) {
	updates, err := d.Processor.Ingest(ctx, table, op, id, data, true)
	if err != nil {
		return nil, err
	}

	mutationData := data
	if op == types.OpDelete {
		mutationData = nil
	}
	d.Router.Dispatch(ctx, router.Event{
		Source: router.SourceLocal, Name: "mutation",
		Payload: types.Mutation{Type: op, ID: id, Data: mutationData},
	})
	for _, update := range updates {
		d.Router.Dispatch(ctx, router.Event{Source: router.SourceLocal, Name: "viewupdate", Payload: update})
	}
	return updates, nil
}
