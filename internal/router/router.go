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

// Package router implements the pure dispatch table described in
// spec.md §2: events arriving from either the local Record Store or
// the remote replica's subscription stream are fanned out, by
// (source, eventName), to every Handler registered for that pair.
// Dispatch is synchronous and a handler's failure is logged and does
// not prevent the remaining handlers from running.
package router

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Source distinguishes the two event origins the router dispatches
// for (spec.md §2: "the local store and the remote replica are each a
// source of events the rest of the system reacts to").
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Event is the payload handed to every Handler registered for its
// (Source, Name) pair. Payload carries the source-specific event value
// (a types.Mutation or types.ViewUpdate for SourceLocal, a
// types.DownEvent for SourceRemote); handlers type-assert it to what
// they expect.
type Event struct {
	Source  Source
	Name    string
	Payload any
}

// Handler reacts to one routed Event. A returned error is logged by
// the Router and does not stop sibling handlers from running.
type Handler func(ctx context.Context, event Event) error

type key struct {
	source Source
	name   string
}

// Router is a pure (source, eventName) -> []Handler dispatch table. It
// holds no goroutines or queues of its own; callers (the daemon's
// Ingest path, its remote subscription pump) call Dispatch
// synchronously from whatever goroutine
// observed the event.
type Router struct {
	log      *logrus.Entry
	handlers map[key][]Handler
}

// New constructs an empty Router.
func New(log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{log: log, handlers: make(map[key][]Handler)}
}

// Register adds handler to the list invoked for (source, name).
// Registration order is dispatch order.
func (r *Router) Register(source Source, name string, handler Handler) {
	k := key{source, name}
	r.handlers[k] = append(r.handlers[k], handler)
}

// Dispatch synchronously invokes every handler registered for
// event.Source/event.Name, in registration order. A handler error is
// logged with the event's source and name and does not prevent the
// next handler from running (spec.md §2, "log-and-continue").
func (r *Router) Dispatch(ctx context.Context, event Event) {
	for _, handler := range r.handlers[key{event.Source, event.Name}] {
		if err := r.safeCall(ctx, handler, event); err != nil {
			r.log.WithError(err).
				WithField("source", event.Source).
				WithField("event", event.Name).
				Warn("router: handler failed")
		}
	}
}

// safeCall recovers a handler panic into an error so one misbehaving
// handler cannot bring down the dispatch loop.
func (r *Router) safeCall(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError{p}
		}
	}()
	return handler(ctx, event)
}

type panicError struct{ v any }

func (p panicError) Error() string {
	if e, ok := p.v.(error); ok {
		return "handler panicked: " + e.Error()
	}
	return "handler panicked"
}

// Handlers returns the handlers currently registered for (source,
// name), for introspection/testing.
func (r *Router) Handlers(source Source, name string) []Handler {
	return r.handlers[key{source, name}]
}
