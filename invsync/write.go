// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"fmt"
	"time"
)

// Create creates an entity. Online it goes straight to the remote and
// mirrors the authoritative result; offline it stores an optimistic local
// record under a local key and queues the create for replay. The caller
// never blocks on connectivity.
func (c *Client) Create(ctx context.Context, t EntityType, fields map[string]any) (*Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.monitor.IsOffline() {
		rec, err := c.gateway.Create(ctx, t, fields)
		if err == nil {
			if perr := c.replica.Put(rec); perr != nil {
				c.logger.Warn("failed to mirror created record", "table", t, "key", rec.Key, "error", perr)
			}
			c.markWarm(t)
			return rec, nil
		}
		if !IsNetworkUnreachable(err) {
			return nil, err
		}
		c.monitor.SetReachable(false)
	}

	now := time.Now().UTC()
	rec := &Record{
		Type:      t,
		Key:       NewLocalKey(),
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    copyFields(fields),
	}
	if err := c.replica.Put(rec); err != nil {
		return nil, err
	}
	if err := c.replica.EnqueueMutation(&PendingMutation{
		Type:   t,
		Key:    rec.Key,
		Op:     OpCreate,
		Fields: copyFields(fields),
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a partial field patch to an entity. Offline (or for a
// record that has not been created remotely yet) the patch is applied
// optimistically to the replica and queued, coalescing with any earlier
// queued mutation for the same entity.
func (c *Client) Update(ctx context.Context, t EntityType, key string, fields map[string]any) (*Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !IsLocalKey(key) && !c.monitor.IsOffline() {
		id, err := parseRemoteKey(key)
		if err != nil {
			return nil, err
		}
		rec, err := c.gateway.Update(ctx, t, id, fields)
		if err == nil {
			if perr := c.replica.Put(rec); perr != nil {
				c.logger.Warn("failed to mirror updated record", "table", t, "key", key, "error", perr)
			}
			return rec, nil
		}
		if !IsNetworkUnreachable(err) {
			return nil, err
		}
		c.monitor.SetReachable(false)
	}

	return c.stageUpdate(t, key, fields)
}

func (c *Client) stageUpdate(t EntityType, key string, fields map[string]any) (*Record, error) {
	rec, err := c.getLocal(t, key)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, &RemoteError{Class: ClassDomainRejected, Message: fmt.Sprintf("%s/%s is deleted", t, key)}
	}

	base := rec.UpdatedAt
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := c.replica.Put(rec); err != nil {
		return nil, err
	}
	if err := c.replica.EnqueueMutation(&PendingMutation{
		Type:        t,
		Key:         key,
		Op:          OpUpdate,
		Fields:      copyFields(fields),
		BaseVersion: base,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// SoftDelete marks an entity deleted. The referential precondition is
// checked first: a record still referenced by a non-deleted record of
// another type cannot be deleted, and the violation is returned to the
// caller rather than silently resolved.
func (c *Client) SoftDelete(ctx context.Context, t EntityType, key string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec, err := c.getLocal(t, key)
	if err != nil {
		return err
	}
	if err := c.checkNotReferenced(t, rec); err != nil {
		return err
	}

	if !IsLocalKey(key) && !c.monitor.IsOffline() {
		id, perr := parseRemoteKey(key)
		if perr != nil {
			return perr
		}
		tombstone, derr := c.gateway.SoftDelete(ctx, t, id)
		if derr == nil {
			if merr := c.replica.Put(tombstone); merr != nil {
				c.logger.Warn("failed to mirror tombstone", "table", t, "key", key, "error", merr)
			}
			return nil
		}
		if !IsNetworkUnreachable(derr) {
			return derr
		}
		c.monitor.SetReachable(false)
	}

	base := rec.UpdatedAt
	rec.Deleted = true
	rec.UpdatedAt = time.Now().UTC()
	if err := c.replica.Put(rec); err != nil {
		return err
	}
	return c.replica.EnqueueMutation(&PendingMutation{
		Type:        t,
		Key:         key,
		Op:          OpSoftDelete,
		BaseVersion: base,
	})
}

// checkNotReferenced scans the replica for non-deleted records of other
// types that still reference rec.
func (c *Client) checkNotReferenced(t EntityType, rec *Record) error {
	for _, other := range Tables() {
		spec := tableSpecs[other]
		var refFields []string
		for field, target := range spec.refs {
			if target == t {
				refFields = append(refFields, field)
			}
		}
		if len(refFields) == 0 {
			continue
		}
		records, err := c.replica.List(other)
		if err != nil {
			// Degraded store means no local evidence either way; let the
			// server's own check be the arbiter.
			c.logger.Warn("skipping referential precheck, replica unavailable", "table", other, "error", err)
			continue
		}
		for i := range records {
			for _, field := range refFields {
				if refMatches(records[i].Fields[field], rec) {
					return &RemoteError{
						Class: ClassDomainRejected,
						Message: fmt.Sprintf("%s/%s is referenced by %s/%s and cannot be deleted",
							t, rec.Key, other, records[i].Key),
					}
				}
			}
		}
	}
	return nil
}

func refMatches(v any, rec *Record) bool {
	if v == nil {
		return false
	}
	switch ref := v.(type) {
	case string:
		return ref == rec.Key
	case float64:
		return rec.RemoteID != 0 && int64(ref) == rec.RemoteID
	case int64:
		return rec.RemoteID != 0 && ref == rec.RemoteID
	case int:
		return rec.RemoteID != 0 && int64(ref) == rec.RemoteID
	default:
		return false
	}
}
