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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/streamproc"
	"github.com/viewsync/viewsync/internal/types"
)

// Server is the authoritative remote replica's reference HTTP front
// end: it answers every Remote API call by driving its own
// streamproc.Processor, the same engine a local client embeds, which
// is what makes the two sides of the wire protocol symmetric (spec.md
// §2, "the remote replica is itself a copy of the same engine").
type Server struct {
	sp     *streamproc.Processor
	store  types.RecordStore
	issuer *tokenIssuer
	log    *logrus.Entry

	mu   sync.Mutex
	subs map[string][]chan types.DownEvent // by clientId
}

// NewServer wires a Server around sp (the authoritative engine) and
// store (the same RecordStore sp evaluates against, used to answer
// point-read /records/select calls), the cleartext provisioning token
// (bcrypt-hashed by the token issuer before it is stored), and an HMAC
// signing key for the bearer JWTs it issues.
func NewServer(
	sp *streamproc.Processor, store types.RecordStore, signingKey []byte, provisioningToken string, tokenTTL time.Duration, log *logrus.Entry,
) (*Server, error) {
	issuer, err := newTokenIssuer(signingKey, provisioningToken, tokenTTL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{sp: sp, store: store, issuer: issuer, log: log, subs: make(map[string][]chan types.DownEvent)}, nil
}

// Router builds the chi mux implementing spec.md §6's reference HTTP
// surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/token", s.handleIssueToken)

	r.Group(func(r chi.Router) {
		r.Use(s.issuer.middleware)
		r.Post("/views/{viewId}/register", s.handleRegister)
		r.Post("/views/{viewId}/heartbeat", s.handleHeartbeat)
		r.Delete("/views/{viewId}", s.handleDeleteView)
		r.Post("/records/select", s.handleSelect)
		r.Put("/records/{table}/{local}", s.handlePutRecord)
		r.Delete("/records/{table}/{local}", s.handleDeleteRecord)
		r.Get("/views/{viewId}/stream", s.handleStream)
	})

	return r
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, expiresAt, err := s.issuer.issue(req.ClientID, req.ProvisioningToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	clientID, _ := clientIDFromContext(r.Context())

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	update, err := s.sp.RegisterView(r.Context(), types.View{
		ViewID:       viewID,
		SQL:          req.SQL,
		Params:       req.Params,
		TTL:          time.Duration(req.TTLMS) * time.Millisecond,
		LastActiveAt: time.Now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.log.WithField("client_id", clientID).WithField("view_id", viewID).Info("remote: view registered")
	writeJSON(w, http.StatusOK, registerResponse{
		Hash:         hashToHex(update.ResultHash),
		VersionArray: toWireArray(update.VersionArray),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	// The reference Processor has no TTL clock of its own; heartbeats are
	// acknowledged unconditionally here, with the expectation that a
	// production remote persists LastActiveAt per view and reaps expired
	// ones out-of-band.
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	s.sp.UnregisterView(chi.URLParam(r, "viewId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records := make([]types.Record, 0, len(req.IDs))
	for _, id := range req.IDs {
		rec, ok, err := s.store.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if ok {
			records = append(records, rec)
		}
	}
	writeJSON(w, http.StatusOK, toWireRecords(records))
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	id := ident.New(chi.URLParam(r, "table"), chi.URLParam(r, "local"))

	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	op := types.OpUpdate
	if req.Mode == "create" {
		op = types.OpCreate
	}
	if _, err := s.sp.Ingest(r.Context(), id.Table(), op, id, req.Fields, false); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := ident.New(chi.URLParam(r, "table"), chi.URLParam(r, "local"))
	if _, err := s.sp.Ingest(r.Context(), id.Table(), types.OpDelete, id, nil, false); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves a chunked, newline-delimited JSON feed of
// {viewId, hash, versionArray} frames for viewId (for every view when
// viewId is "_all"), scoped to the requesting clientId (spec.md §6, "a
// chunked/SSE live feed").
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	clientID, _ := clientIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ch := make(chan types.DownEvent, 16)
	s.mu.Lock()
	s.subs[clientID] = append(s.subs[clientID], ch)
	s.mu.Unlock()
	defer s.unsubscribe(clientID, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if viewID != "_all" && event.ViewID != viewID {
				continue
			}
			frame := streamFrame{
				ViewID:       event.ViewID,
				Hash:         hashToHex(event.RemoteHash),
				VersionArray: toWireArray(event.RemoteArray),
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\n", data)
			flusher.Flush()
		}
	}
}

// Publish pushes event to every subscriber currently streaming for its
// clientId, e.g. after an Ingest call from another client changed a
// view this clientId is watching.
func (s *Server) Publish(clientID string, event types.DownEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[clientID] {
		select {
		case ch <- event:
		default:
			s.log.WithField("client_id", clientID).Warn("remote: subscriber channel full, dropping event")
		}
	}
}

func (s *Server) unsubscribe(clientID string, ch chan types.DownEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[clientID]
	for i, c := range subs {
		if c == ch {
			s.subs[clientID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *types.InvalidQuery:
		status = http.StatusBadRequest
	case *types.EvalError:
		status = http.StatusUnprocessableEntity
	case *types.ProtocolViolation:
		status = http.StatusConflict
	case *types.AuthError:
		status = http.StatusUnauthorized
	}
	http.Error(w, err.Error(), status)
}
