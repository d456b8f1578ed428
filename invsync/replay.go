// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"sync/atomic"
)

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Applied   int
	Conflicts int
	Failed    int
	Stopped   bool // replay halted on a connectivity failure; the rest of the queue is retried on the next transition
	Errors    []ReplayError
}

// ReplayError reports a mutation dropped during replay, surfaced to the
// host as a non-blocking error.
type ReplayError struct {
	Type EntityType
	Key  string
	Op   Operation
	Err  error
}

type replayOutcome int

const (
	outcomeApplied replayOutcome = iota
	outcomeConflict
)

// Replay processes the pending queue strictly in FIFO order, one mutation
// at a time. For each mutation the entity's current remote version is
// compared with the mutation's base version: unchanged means the mutation
// applies and is dequeued, newer means the mutation is handed to the
// conflict detector instead of the gateway. A connectivity failure stops
// the whole pass (never skips ahead); a domain rejection or authorization
// failure drops only the one mutation and the pass continues.
//
// Replay runs single-flight: a call while another pass is active returns
// (nil, nil).
func (c *Client) Replay(ctx context.Context) (*ReplayResult, error) {
	if !atomic.CompareAndSwapInt32(&c.replaying, 0, 1) {
		return nil, nil
	}
	defer atomic.StoreInt32(&c.replaying, 0)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending, err := c.replica.ListPendingMutations()
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{}
	for i := range pending {
		m := &pending[i]
		if m.Status == StatusConflicted {
			// Awaiting user resolution; not replayable yet.
			continue
		}
		select {
		case <-ctx.Done():
			res.Stopped = true
			return res, nil
		default:
		}

		m.Status = StatusInFlight
		m.Attempts++
		if uerr := c.replica.UpdateMutation(m); uerr != nil {
			c.logger.Warn("failed to mark mutation in flight", "key", m.Key, "error", uerr)
		}

		outcome, rerr := c.replayOne(ctx, m)
		if rerr != nil {
			class := Classify(rerr)
			if class == ClassDomainRejected || class == ClassUnauthorized {
				// Drop just this mutation and keep going.
				c.logger.Warn("queued mutation rejected during replay",
					"table", m.Type, "key", m.Key, "op", m.Op, "class", class.String(), "error", rerr)
				if derr := c.replica.DequeueMutation(m.LocalID); derr != nil {
					c.logger.Warn("failed to drop rejected mutation", "key", m.Key, "error", derr)
				}
				res.Failed++
				res.Errors = append(res.Errors, ReplayError{Type: m.Type, Key: m.Key, Op: m.Op, Err: rerr})
				continue
			}
			// Connectivity (or indeterminate) failure: put the mutation
			// back and retry the whole queue on the next transition.
			m.Status = StatusQueued
			if uerr := c.replica.UpdateMutation(m); uerr != nil {
				c.logger.Warn("failed to requeue mutation", "key", m.Key, "error", uerr)
			}
			if class == ClassNetworkUnreachable {
				c.monitor.SetReachable(false)
			}
			c.logger.Info("replay stopped", "table", m.Type, "key", m.Key, "error", rerr)
			res.Stopped = true
			return res, nil
		}

		switch outcome {
		case outcomeApplied:
			res.Applied++
		case outcomeConflict:
			res.Conflicts++
		}
	}
	return res, nil
}

func (c *Client) replayOne(ctx context.Context, m *PendingMutation) (replayOutcome, error) {
	if m.Op == OpCreate {
		rec, err := c.gateway.Create(ctx, m.Type, m.Fields)
		if err != nil {
			return 0, err
		}
		if rerr := c.replica.ReplaceKey(m.Type, m.Key, rec); rerr != nil {
			c.logger.Warn("failed to rekey created record", "table", m.Type, "key", m.Key, "error", rerr)
		}
		if derr := c.replica.DequeueMutation(m.LocalID); derr != nil {
			c.logger.Warn("failed to dequeue applied mutation", "key", m.Key, "error", derr)
		}
		return outcomeApplied, nil
	}

	id, err := parseRemoteKey(m.Key)
	if err != nil {
		return 0, &RemoteError{Class: ClassDomainRejected, Message: err.Error()}
	}

	remote, err := c.gateway.FetchByID(ctx, m.Type, id)
	if err != nil {
		if Classify(err) == ClassNotFound {
			// Deleted remotely after the mutation was queued: an implicit
			// conflict with a synthetic remote-deleted version.
			return c.recordReplayConflict(m, nil)
		}
		return 0, err
	}
	if remote.UpdatedAt.After(m.BaseVersion) {
		return c.recordReplayConflict(m, remote)
	}

	var applied *Record
	switch m.Op {
	case OpUpdate:
		applied, err = c.gateway.Update(ctx, m.Type, id, m.Fields)
	case OpSoftDelete:
		applied, err = c.gateway.SoftDelete(ctx, m.Type, id)
	}
	if err != nil {
		return 0, err
	}
	if perr := c.replica.Put(applied); perr != nil {
		c.logger.Warn("failed to mirror replayed record", "table", m.Type, "key", m.Key, "error", perr)
	}
	if derr := c.replica.DequeueMutation(m.LocalID); derr != nil {
		c.logger.Warn("failed to dequeue applied mutation", "key", m.Key, "error", derr)
	}
	return outcomeApplied, nil
}

func (c *Client) recordReplayConflict(m *PendingMutation, remote *Record) (replayOutcome, error) {
	conflict := Detect(m, remote)
	if err := c.replica.RecordConflict(conflict); err != nil {
		return 0, err
	}
	m.Status = StatusConflicted
	if err := c.replica.UpdateMutation(m); err != nil {
		c.logger.Warn("failed to mark mutation conflicted", "key", m.Key, "error", err)
	}
	c.emitConflict(*conflict)
	return outcomeConflict, nil
}
