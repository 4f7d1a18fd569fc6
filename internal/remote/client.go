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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/viewsync/viewsync/internal/ident"
	"github.com/viewsync/viewsync/internal/types"
)

// Client implements types.Remote against a Server's HTTP surface. It is
// the counterpart the Sync Reconciler's Uploader/Downloader drive in
// the reference daemon.
var _ types.Remote = (*Client)(nil)

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient constructs a Client for baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Authenticate exchanges a provisioning token for a bearer JWT, which
// the Client then attaches to every subsequent request (spec.md §6,
// "clientId option").
func (c *Client) Authenticate(ctx context.Context, clientID, provisioningToken string) error {
	body, err := json.Marshal(tokenRequest{ProvisioningToken: provisioningToken, ClientID: clientID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &types.RemoteError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return &types.AuthError{Reason: readBody(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return &types.RemoteError{Op: "authenticate", Err: errors.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return &types.RemoteError{Op: "authenticate:decode", Err: err}
	}
	c.mu.Lock()
	c.token = tr.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

func (c *Client) RegisterView(
	ctx context.Context, viewID, sql string, params map[string]any, ttl time.Duration, clientID string, now time.Time,
) ([32]byte, []types.VersionEntry, error) {
	resp, err := c.do(ctx, http.MethodPost, "/views/"+viewID+"/register", registerRequest{
		SQL: sql, Params: params, TTLMS: ttl.Milliseconds(),
	})
	if err != nil {
		return [32]byte{}, nil, &types.RemoteError{Op: "registerView", Err: err}
	}
	defer resp.Body.Close()
	if err := statusToError(resp, "registerView"); err != nil {
		return [32]byte{}, nil, err
	}

	var rr registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return [32]byte{}, nil, &types.RemoteError{Op: "registerView:decode", Err: err}
	}
	return hexToHash(rr.Hash), fromWireArray(rr.VersionArray), nil
}

func (c *Client) Heartbeat(ctx context.Context, viewID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/views/"+viewID+"/heartbeat", nil)
	if err != nil {
		return &types.RemoteError{Op: "heartbeat", Err: err}
	}
	defer resp.Body.Close()
	return statusToError(resp, "heartbeat")
}

func (c *Client) DeleteView(ctx context.Context, viewID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/views/"+viewID, nil)
	if err != nil {
		return &types.RemoteError{Op: "deleteView", Err: err}
	}
	defer resp.Body.Close()
	return statusToError(resp, "deleteView")
}

func (c *Client) SelectByIDs(ctx context.Context, ids []ident.RecordID) ([]types.Record, error) {
	resp, err := c.do(ctx, http.MethodPost, "/records/select", selectRequest{IDs: ids})
	if err != nil {
		return nil, &types.RemoteError{Op: "selectByIDs", Err: err}
	}
	defer resp.Body.Close()
	if err := statusToError(resp, "selectByIDs"); err != nil {
		return nil, err
	}

	var wire []recordWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &types.RemoteError{Op: "selectByIDs:decode", Err: err}
	}
	return fromWireRecords(wire), nil
}

func (c *Client) Mutate(ctx context.Context, m types.Mutation) error {
	path := fmt.Sprintf("/records/%s/%s", m.ID.Table().Raw(), m.ID.Local())
	if m.Type == types.OpDelete {
		resp, err := c.do(ctx, http.MethodDelete, path, nil)
		if err != nil {
			return &types.RemoteError{Op: "mutate:delete", Err: err}
		}
		defer resp.Body.Close()
		return statusToError(resp, "mutate:delete")
	}

	mode := "update"
	if m.Type == types.OpCreate {
		mode = "create"
	}
	resp, err := c.do(ctx, http.MethodPut, path, mutateRequest{Mode: mode, Fields: m.Data})
	if err != nil {
		return &types.RemoteError{Op: "mutate:put", Err: err}
	}
	defer resp.Body.Close()
	return statusToError(resp, "mutate:put")
}

// Subscribe opens the chunked /views/_all/stream feed and decodes each
// newline-delimited JSON frame into a types.DownEvent. The feed is not
// scoped to a single viewId: it carries frames for every view published
// to the clientId of the client's bearer token.
func (c *Client) Subscribe(ctx context.Context, clientID string) (<-chan types.DownEvent, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/views/_all/stream", nil)
	if err != nil {
		return nil, nil, err
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &types.RemoteError{Op: "subscribe", Err: err}
	}
	if err := statusToError(resp, "subscribe"); err != nil {
		resp.Body.Close()
		return nil, nil, err
	}

	out := make(chan types.DownEvent, 16)
	stop := make(chan struct{})
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case <-stop:
				return
			default:
			}
			var frame streamFrame
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				continue
			}
			event := types.DownEvent{
				Kind:        types.DownSync,
				ViewID:      frame.ViewID,
				RemoteHash:  hexToHash(frame.Hash),
				RemoteArray: fromWireArray(frame.VersionArray),
			}
			select {
			case out <- event:
			case <-stop:
				return
			}
		}
	}()

	cancel := func() { close(stop) }
	return out, cancel, nil
}

func statusToError(resp *http.Response, op string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return &types.AuthError{Reason: readBody(resp)}
	case http.StatusBadRequest:
		return &types.InvalidQuery{Reason: readBody(resp)}
	case http.StatusUnprocessableEntity:
		return &types.EvalError{Reason: readBody(resp)}
	case http.StatusConflict:
		return &types.ProtocolViolation{Reason: readBody(resp)}
	default:
		return &types.RemoteError{Op: op, Err: errors.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp))}
	}
}

func readBody(resp *http.Response) string {
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
