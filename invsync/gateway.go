// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// TokenFunc supplies the bearer token for remote calls.
type TokenFunc func(ctx context.Context) (string, error)

// Gateway is the typed abstraction over the backend's per-table REST
// calls. It translates between domain and wire field names and classifies
// every failure into exactly one FailureClass.
type Gateway struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewGateway creates a gateway against baseURL. The token func may be nil
// for unauthenticated backends.
func NewGateway(baseURL string, token TokenFunc, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// FetchPage fetches one page of non-deleted records. total is the count
// of all non-deleted records of the type on the server.
func (g *Gateway) FetchPage(ctx context.Context, t EntityType, offset, limit int) (recs []Record, total int, err error) {
	path := fmt.Sprintf("/api/%s?offset=%d&limit=%d", t, offset, limit)
	resp, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, 0, fmt.Errorf("failed to decode page response: %w", err)
	}
	recs = make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := recordFromWire(t, row)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, *rec)
	}
	total = len(recs)
	if v := resp.Header.Get("X-Total-Count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			total = n
		}
	}
	return recs, total, nil
}

// FetchByID fetches one record. A soft-deleted or missing record reports
// ClassNotFound.
func (g *Gateway) FetchByID(ctx context.Context, t EntityType, id int64) (*Record, error) {
	resp, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/%d", t, id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeRecord(t, resp.Body)
}

// Create creates a record from domain fields and returns the authoritative
// remote copy, remote id and version included.
func (g *Gateway) Create(ctx context.Context, t EntityType, fields map[string]any) (*Record, error) {
	body, err := domainToWire(t, fields)
	if err != nil {
		return nil, err
	}
	resp, err := g.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s", t), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeRecord(t, resp.Body)
}

// Update applies a partial patch of domain fields and returns the
// authoritative remote copy.
func (g *Gateway) Update(ctx context.Context, t EntityType, id int64, fields map[string]any) (*Record, error) {
	body, err := domainToWire(t, fields)
	if err != nil {
		return nil, err
	}
	resp, err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/api/%s/%d", t, id), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeRecord(t, resp.Body)
}

// SoftDelete marks a record deleted on the server and returns the
// resulting tombstone record.
func (g *Gateway) SoftDelete(ctx context.Context, t EntityType, id int64) (*Record, error) {
	resp, err := g.do(ctx, http.MethodDelete, fmt.Sprintf("/api/%s/%d", t, id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeRecord(t, resp.Body)
}

func (g *Gateway) do(ctx context.Context, method, path string, body map[string]any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.Token != nil {
		token, err := g.Token(ctx)
		if err != nil {
			return nil, &RemoteError{Class: ClassUnauthorized, Message: fmt.Sprintf("failed to obtain token: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		// Transport failures and timeouts are connectivity problems.
		return nil, &RemoteError{Class: ClassNetworkUnreachable, Message: err.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, classifyStatus(resp.StatusCode, string(msg))
}

func classifyStatus(status int, msg string) *RemoteError {
	var class FailureClass
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = ClassUnauthorized
	case status == http.StatusNotFound:
		class = ClassNotFound
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		class = ClassDomainRejected
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		// The backend itself is unreachable behind its front door.
		class = ClassNetworkUnreachable
	default:
		class = ClassUnknown
	}
	return &RemoteError{Class: class, Status: status, Message: msg}
}

func decodeRecord(t EntityType, body io.Reader) (*Record, error) {
	var row map[string]any
	if err := json.NewDecoder(body).Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode record response: %w", err)
	}
	return recordFromWire(t, row)
}

// domainToWire renames a domain field map to wire column names. Unknown
// fields are rejected so typos surface at the edge rather than as silent
// drops on the server.
func domainToWire(t EntityType, fields map[string]any) (map[string]any, error) {
	spec, ok := tableSpecs[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		wire, ok := spec.wire[name]
		if !ok {
			if name == "deleted" {
				out["deleted"] = v
				continue
			}
			return nil, &RemoteError{Class: ClassDomainRejected, Message: fmt.Sprintf("unknown field %q for %s", name, t)}
		}
		out[wire] = v
	}
	return out, nil
}

// recordFromWire parses a wire row (envelope columns plus business
// columns) into a Record with domain field names.
func recordFromWire(t EntityType, row map[string]any) (*Record, error) {
	spec, ok := tableSpecs[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	rec := &Record{Type: t, Fields: map[string]any{}}

	id, err := wireInt(row["id"])
	if err != nil {
		return nil, fmt.Errorf("wire row missing id: %w", err)
	}
	rec.RemoteID = id
	rec.Key = RemoteKey(id)
	if owner, err := wireInt(row["owner_id"]); err == nil {
		rec.OwnerID = owner
	}
	if d, ok := row["deleted"].(bool); ok {
		rec.Deleted = d
	}
	rec.CreatedAt = wireTime(row["created_at"])
	rec.UpdatedAt = wireTime(row["updated_at"])
	if rec.UpdatedAt.IsZero() {
		return nil, fmt.Errorf("wire row for %s/%d missing updated_at", t, id)
	}

	for domain, wire := range spec.wire {
		if v, ok := row[wire]; ok && v != nil {
			rec.Fields[domain] = v
		}
	}
	return rec, nil
}

func wireInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

func wireTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
