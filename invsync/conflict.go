// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Detect builds the conflict record for a queued mutation whose entity
// changed remotely. remote is nil when the remote copy was soft-deleted
// (the synthetic remote-deleted version). Detect never picks a winner;
// resolution is explicit via Client.ResolveConflict.
func Detect(m *PendingMutation, remote *Record) *ConflictRecord {
	c := &ConflictRecord{
		ID:          uuid.New().String(),
		Type:        m.Type,
		Key:         m.Key,
		Op:          m.Op,
		LocalFields: copyFields(m.Fields),
		BaseVersion: m.BaseVersion,
		DetectedAt:  time.Now().UTC(),
		Resolution:  ResolutionUnresolved,
	}
	if remote == nil || remote.Deleted {
		c.RemoteDeleted = true
		if remote != nil {
			c.RemoteVersion = remote.UpdatedAt
		}
	} else {
		c.RemoteVersion = remote.UpdatedAt
	}
	return c
}

// ResolveConflict settles an open conflict.
//
// ResolutionAcceptRemote discards the queued mutation and keeps what the
// server has (the remote copy is re-mirrored when reachable).
// ResolutionKeepLocal re-issues the queued mutation using the conflicting
// remote version as its new base, effectively overwriting the remote; if
// the remote copy was deleted, the mutation is re-queued as a create.
// Either way the conflict record is marked resolved, never silently.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, res Resolution) error {
	if res != ResolutionAcceptRemote && res != ResolutionKeepLocal {
		return fmt.Errorf("invalid resolution %q", res)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conflict, ok, err := c.replica.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no conflict with id %s", conflictID)
	}
	if conflict.Resolution != ResolutionUnresolved {
		return fmt.Errorf("conflict %s already resolved (%s)", conflictID, conflict.Resolution)
	}

	mutation, hasMutation, err := c.replica.GetMutation(conflict.Type, conflict.Key)
	if err != nil {
		return err
	}

	switch res {
	case ResolutionAcceptRemote:
		if hasMutation {
			if err := c.replica.DequeueMutation(mutation.LocalID); err != nil {
				return err
			}
		}
		if err := c.mirrorRemoteAfterAccept(ctx, conflict); err != nil {
			// Mirror failures degrade; the next online read reconciles.
			c.logger.Warn("failed to mirror remote copy after resolution",
				"table", conflict.Type, "key", conflict.Key, "error", err)
		}

	case ResolutionKeepLocal:
		if !hasMutation {
			return fmt.Errorf("conflict %s has no queued mutation left to keep", conflictID)
		}
		if conflict.RemoteDeleted {
			// The remote row is gone from the wire contract's view; the
			// only way to keep the local intent is to re-create it.
			mutation.Op = OpCreate
			mutation.BaseVersion = time.Time{}
			if mutation.Fields == nil {
				mutation.Fields = copyFields(conflict.LocalFields)
			}
		} else {
			mutation.BaseVersion = conflict.RemoteVersion
		}
		mutation.Status = StatusQueued
		if err := c.replica.UpdateMutation(mutation); err != nil {
			return err
		}
	}

	if err := c.replica.MarkConflictResolved(conflictID, res); err != nil {
		return err
	}

	if res == ResolutionKeepLocal && !c.monitor.IsOffline() {
		go func() {
			if _, err := c.Replay(ctx); err != nil {
				c.logger.Warn("replay after conflict resolution failed", "error", err)
			}
		}()
	}
	return nil
}

func (c *Client) mirrorRemoteAfterAccept(ctx context.Context, conflict *ConflictRecord) error {
	if conflict.RemoteDeleted {
		rec, ok, err := c.replica.Get(conflict.Type, conflict.Key)
		if err != nil || !ok {
			return err
		}
		rec.Deleted = true
		if !conflict.RemoteVersion.IsZero() {
			rec.UpdatedAt = conflict.RemoteVersion
		}
		return c.replica.Put(rec)
	}
	if c.monitor.IsOffline() {
		return nil
	}
	id, err := parseRemoteKey(conflict.Key)
	if err != nil {
		return err
	}
	remote, err := c.gateway.FetchByID(ctx, conflict.Type, id)
	if err != nil {
		if IsNetworkUnreachable(err) {
			c.monitor.SetReachable(false)
			return nil
		}
		return err
	}
	return c.replica.Put(remote)
}
