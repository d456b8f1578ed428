// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-memory stand-in for the backend, speaking the same
// wire contract the gateway expects.
type fakeRemote struct {
	mu     sync.Mutex
	rows   map[EntityType]map[int64]map[string]any
	nextID int64
	base   time.Time
	seq    int64

	down        bool           // simulate an unreachable network
	patchStatus int            // non-zero: PATCH requests fail with this status
	calls       map[string]int // method counts: "GET", "POST", "PATCH", "DELETE"
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:   make(map[EntityType]map[int64]map[string]any),
		nextID: 100,
		base:   time.Now().UTC().Truncate(time.Second),
		calls:  make(map[string]int),
	}
}

func (f *fakeRemote) tick() string {
	f.seq++
	return f.base.Add(time.Duration(f.seq) * time.Second).Format(time.RFC3339Nano)
}

// seed inserts a row directly on the fake server and returns its id.
func (f *fakeRemote) seed(t EntityType, fields map[string]any) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	row := map[string]any{
		"id":         id,
		"owner_id":   int64(1),
		"deleted":    false,
		"created_at": f.tick(),
		"updated_at": f.tick(),
	}
	for k, v := range fields {
		row[k] = v
	}
	if f.rows[t] == nil {
		f.rows[t] = make(map[int64]map[string]any)
	}
	f.rows[t][id] = row
	return id
}

// touch simulates a second actor updating a row remotely.
func (f *fakeRemote) touch(t EntityType, id int64, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[t][id]
	for k, v := range fields {
		row[k] = v
	}
	row["updated_at"] = f.tick()
}

func (f *fakeRemote) deleteRow(t EntityType, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t][id]["deleted"] = true
	f.rows[t][id]["updated_at"] = f.tick()
}

func (f *fakeRemote) row(t EntityType, id int64) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for k, v := range f.rows[t][id] {
		out[k] = v
	}
	return out
}

func (f *fakeRemote) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRemote) RoundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	f.calls[r.Method]++

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	table := EntityType(parts[0])
	if f.rows[table] == nil {
		f.rows[table] = make(map[int64]map[string]any)
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		var out []map[string]any
		for _, row := range f.rows[table] {
			if row["deleted"] == false {
				out = append(out, row)
			}
		}
		sort.Slice(out, func(i, j int) bool { return wireRowID(out[i]) < wireRowID(out[j]) })
		total := len(out)

		// OFFSET/LIMIT semantics, same as the reference backend.
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if offset > len(out) {
			offset = len(out)
		}
		out = out[offset:]
		if limit > 0 && limit < len(out) {
			out = out[:limit]
		}
		if out == nil {
			out = []map[string]any{}
		}
		resp := jsonResponse(http.StatusOK, out)
		resp.Header.Set("X-Total-Count", strconv.Itoa(total))
		return resp, nil

	case r.Method == http.MethodGet && len(parts) == 2:
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		row, ok := f.rows[table][id]
		if !ok || row["deleted"] == true {
			return jsonResponse(http.StatusNotFound, map[string]string{"error": "not_found"}), nil
		}
		return jsonResponse(http.StatusOK, row), nil

	case r.Method == http.MethodPost:
		var values map[string]any
		_ = json.NewDecoder(r.Body).Decode(&values)
		f.nextID++
		id := f.nextID
		row := map[string]any{
			"id":         id,
			"owner_id":   int64(1),
			"deleted":    false,
			"created_at": f.tick(),
			"updated_at": f.tick(),
		}
		for k, v := range values {
			row[k] = v
		}
		f.rows[table][id] = row
		return jsonResponse(http.StatusCreated, row), nil

	case r.Method == http.MethodPatch:
		if f.patchStatus != 0 {
			return jsonResponse(f.patchStatus, map[string]string{"error": "rejected"}), nil
		}
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		row, ok := f.rows[table][id]
		if !ok {
			return jsonResponse(http.StatusNotFound, map[string]string{"error": "not_found"}), nil
		}
		var values map[string]any
		_ = json.NewDecoder(r.Body).Decode(&values)
		for k, v := range values {
			row[k] = v
		}
		row["updated_at"] = f.tick()
		return jsonResponse(http.StatusOK, row), nil

	case r.Method == http.MethodDelete:
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		row, ok := f.rows[table][id]
		if !ok {
			return jsonResponse(http.StatusNotFound, map[string]string{"error": "not_found"}), nil
		}
		row["deleted"] = true
		row["updated_at"] = f.tick()
		return jsonResponse(http.StatusOK, row), nil
	}

	return jsonResponse(http.StatusBadRequest, map[string]string{"error": "bad_request"}), nil
}

func wireRowID(row map[string]any) int64 {
	id, _ := row["id"].(int64)
	return id
}

func jsonResponse(status int, v any) *http.Response {
	data, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}
}

type harness struct {
	client  *Client
	replica *Replica
	monitor *Monitor
	remote  *fakeRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so the in-memory database is shared across the pool.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	replica, err := NewReplica(db, testLogger())
	require.NoError(t, err)

	remote := newFakeRemote()
	gateway := NewGateway("http://backend.test", nil, testLogger())
	gateway.HTTP = &http.Client{Transport: remote}

	monitor := NewMonitor(replica, 0, testLogger())

	client, err := NewClient(replica, gateway, monitor, nil, testLogger())
	require.NoError(t, err)

	return &harness{client: client, replica: replica, monitor: monitor, remote: remote}
}

// goOffline cuts the fake network and flips the monitor.
func (h *harness) goOffline() {
	h.remote.mu.Lock()
	h.remote.down = true
	h.remote.mu.Unlock()
	h.monitor.SetReachable(false)
}

// goOnline restores the fake network without triggering the subscription
// machinery; tests call Replay explicitly for determinism.
func (h *harness) goOnline() {
	h.remote.mu.Lock()
	h.remote.down = false
	h.remote.mu.Unlock()
	h.monitor.SetReachable(true)
}

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	replica, err := NewReplica(db, testLogger())
	require.NoError(t, err)
	return replica
}
