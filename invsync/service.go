// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Config holds orchestrator configuration.
type Config struct {
	PageLimit      int // page size used by FetchAll when paging the remote
	ConflictBuffer int // capacity of the conflict event channel
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		PageLimit:      50,
		ConflictBuffer: 32,
	}
}

// Client is the sync orchestrator. Every screen reads and writes through
// it regardless of network availability: reads serve from the remote when
// online (mirroring into the replica) and from the replica otherwise;
// writes go remote when possible and otherwise stage an optimistic local
// update plus a queued mutation replayed on reconnect.
type Client struct {
	replica *Replica
	gateway *Gateway
	monitor *Monitor
	logger  *slog.Logger
	config  *Config

	// Serializes writes and replay so no two remote mutations for the
	// same entity are ever in flight concurrently.
	writeMu sync.Mutex

	warmMu sync.Mutex
	warm   map[EntityType]bool

	conflicts   chan ConflictRecord
	replaying   int32
	unsubscribe func()
}

// NewClient creates the orchestrator. Replica, gateway and monitor are
// required; config and logger default when nil.
func NewClient(replica *Replica, gateway *Gateway, monitor *Monitor, config *Config, logger *slog.Logger) (*Client, error) {
	if replica == nil || gateway == nil || monitor == nil {
		return nil, fmt.Errorf("replica, gateway and monitor are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PageLimit <= 0 {
		config.PageLimit = DefaultConfig().PageLimit
	}
	if config.ConflictBuffer <= 0 {
		config.ConflictBuffer = DefaultConfig().ConflictBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		replica:   replica,
		gateway:   gateway,
		monitor:   monitor,
		logger:    logger,
		config:    config,
		warm:      make(map[EntityType]bool),
		conflicts: make(chan ConflictRecord, config.ConflictBuffer),
	}, nil
}

// Start subscribes to connectivity transitions; every offline→online
// transition triggers a replay pass. ctx bounds the triggered replays.
func (c *Client) Start(ctx context.Context) {
	c.unsubscribe = c.monitor.Subscribe(func(offline bool) {
		if offline {
			return
		}
		go func() {
			if _, err := c.Replay(ctx); err != nil {
				c.logger.Warn("replay after reconnect failed", "error", err)
			}
		}()
	})
}

// Stop detaches the connectivity subscription.
func (c *Client) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Conflicts returns the stream of conflicts detected during replay.
// The channel is buffered; events are dropped (and logged) if no consumer
// keeps up, since the replica's conflict log remains authoritative.
func (c *Client) Conflicts() <-chan ConflictRecord {
	return c.conflicts
}

// Reset drops the in-memory warmth markers. Hosts call this when their
// own view-level state has been discarded (process resume), re-arming the
// cold-start full restore on the next page-0 read.
func (c *Client) Reset() {
	c.warmMu.Lock()
	c.warm = make(map[EntityType]bool)
	c.warmMu.Unlock()
}

func (c *Client) isWarm(t EntityType) bool {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	return c.warm[t]
}

func (c *Client) markWarm(t EntityType) {
	c.warmMu.Lock()
	c.warm[t] = true
	c.warmMu.Unlock()
}

// FetchPage reads one page of t. Online it fetches from the remote and
// mirrors the page locally; offline (or on a network failure, which
// degrades silently) it serves from the replica. The first page-0 read
// while the in-memory cache is cold bypasses pagination and returns the
// full data set, so a caller that lost its state through process
// suspension is restored in one pass.
func (c *Client) FetchPage(ctx context.Context, t EntityType, offset, limit int) ([]Record, int, error) {
	if !t.Valid() {
		return nil, 0, fmt.Errorf("unknown entity type %q", t)
	}
	if limit <= 0 {
		limit = c.config.PageLimit
	}
	if c.monitor.IsOffline() {
		return c.servePageLocal(t, offset, limit)
	}
	if offset == 0 && !c.isWarm(t) {
		recs, err := c.FetchAll(ctx, t)
		if err != nil {
			return nil, 0, err
		}
		return recs, len(recs), nil
	}
	recs, total, err := c.gateway.FetchPage(ctx, t, offset, limit)
	if err != nil {
		if IsNetworkUnreachable(err) {
			c.logger.Debug("remote page fetch unreachable, serving replica", "table", t, "error", err)
			c.monitor.SetReachable(false)
			return c.servePageLocal(t, offset, limit)
		}
		return nil, 0, err
	}
	for i := range recs {
		if err := c.replica.Put(&recs[i]); err != nil {
			c.logger.Warn("failed to mirror record", "table", t, "key", recs[i].Key, "error", err)
		}
	}
	c.markWarm(t)
	return recs, total, nil
}

func (c *Client) servePageLocal(t EntityType, offset, limit int) ([]Record, int, error) {
	all, err := c.replica.List(t)
	if err != nil {
		// "No cache" rather than a failure: degraded, not broken.
		c.logger.Warn("replica unavailable, serving empty result", "table", t, "error", err)
		return []Record{}, 0, nil
	}
	total := len(all)

	if limit <= 0 || (offset == 0 && !c.isWarm(t)) {
		c.markWarm(t)
		return all, total, nil
	}
	c.markWarm(t)
	if offset >= total {
		return []Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// FetchByKey reads one record. Locally keyed records (not yet created
// remotely) always come from the replica.
func (c *Client) FetchByKey(ctx context.Context, t EntityType, key string) (*Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if IsLocalKey(key) || c.monitor.IsOffline() {
		return c.getLocal(t, key)
	}
	id, err := parseRemoteKey(key)
	if err != nil {
		return nil, err
	}
	rec, err := c.gateway.FetchByID(ctx, t, id)
	if err != nil {
		if IsNetworkUnreachable(err) {
			c.monitor.SetReachable(false)
			return c.getLocal(t, key)
		}
		return nil, err
	}
	if err := c.replica.Put(rec); err != nil {
		c.logger.Warn("failed to mirror record", "table", t, "key", key, "error", err)
	}
	return rec, nil
}

func (c *Client) getLocal(t EntityType, key string) (*Record, error) {
	rec, ok, err := c.replica.Get(t, key)
	if err != nil {
		// A degraded store is "no cache", so a keyed read misses.
		c.logger.Warn("replica unavailable, treating record as missing", "table", t, "key", key, "error", err)
		ok = false
	}
	if !ok {
		return nil, &RemoteError{Class: ClassNotFound, Message: fmt.Sprintf("%s/%s not found", t, key)}
	}
	return rec, nil
}

// FetchAll reads every non-deleted record of t, paging the remote when
// online and mirroring as it goes.
func (c *Client) FetchAll(ctx context.Context, t EntityType) ([]Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if c.monitor.IsOffline() {
		recs, _, err := c.servePageLocal(t, 0, 0)
		return recs, err
	}
	var out []Record
	offset := 0
	for {
		recs, total, err := c.gateway.FetchPage(ctx, t, offset, c.config.PageLimit)
		if err != nil {
			if IsNetworkUnreachable(err) {
				c.monitor.SetReachable(false)
				all, _, lerr := c.servePageLocal(t, 0, 0)
				return all, lerr
			}
			return nil, err
		}
		for i := range recs {
			if err := c.replica.Put(&recs[i]); err != nil {
				c.logger.Warn("failed to mirror record", "table", t, "key", recs[i].Key, "error", err)
			}
		}
		out = append(out, recs...)
		offset += len(recs)
		if len(recs) == 0 || offset >= total {
			break
		}
	}
	c.markWarm(t)
	return out, nil
}

func (c *Client) emitConflict(rec ConflictRecord) {
	select {
	case c.conflicts <- rec:
	default:
		c.logger.Debug("conflict channel full, event dropped", "conflict", rec.ID)
	}
}
