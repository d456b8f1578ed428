// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOnlineGoesStraightToRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.client.Create(ctx, TableCategories, map[string]any{"name": "Books"})
	require.NoError(t, err)
	require.False(t, IsLocalKey(rec.Key))
	require.NotZero(t, rec.RemoteID)
	require.False(t, rec.UpdatedAt.IsZero())

	// Nothing queued; the replica mirrors the authoritative copy.
	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Empty(t, pending)

	local, ok, err := h.replica.Get(TableCategories, rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Books", local.Fields["name"])
}

func TestCreateOfflineStagesOptimistically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOffline()

	rec, err := h.client.Create(ctx, TableItems, map[string]any{"name": "Camera", "quantity": 1})
	require.NoError(t, err)
	require.True(t, IsLocalKey(rec.Key))

	// Immediately readable back.
	got, err := h.client.FetchByKey(ctx, TableItems, rec.Key)
	require.NoError(t, err)
	require.Equal(t, "Camera", got.Fields["name"])

	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, OpCreate, pending[0].Op)
	require.True(t, pending[0].BaseVersion.IsZero())
	require.Zero(t, h.remote.callCount("POST"))
}

func TestOfflineCreateReplaysToRemoteID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOffline()

	rec, err := h.client.Create(ctx, TableLocations, map[string]any{"name": "Garage"})
	require.NoError(t, err)
	localKey := rec.Key

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)
	require.False(t, res.Stopped)

	// The local key is gone; the record now lives under its remote id.
	_, ok, err := h.replica.Get(TableLocations, localKey)
	require.NoError(t, err)
	require.False(t, ok)

	list, err := h.replica.List(TableLocations)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, IsLocalKey(list[0].Key))
	require.NotZero(t, list[0].RemoteID)

	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Empty(t, pending)

	// Once dequeued the mutation cannot run again.
	posts := h.remote.callCount("POST")
	res, err = h.client.Replay(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Applied)
	require.Equal(t, posts, h.remote.callCount("POST"))
}

func TestOfflineEditsCoalesceIntoOnePatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.remote.seed(TableItems, map[string]any{"name": "Camera", "quantity": float64(1)})
	_, err := h.client.FetchByKey(ctx, TableItems, RemoteKey(id))
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"quantity": 2})
	require.NoError(t, err)
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"quantity": 3})
	require.NoError(t, err)
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"name": "DSLR camera"})
	require.NoError(t, err)

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	// Three edits, one wire mutation.
	require.Equal(t, 1, h.remote.callCount("PATCH"))
	row := h.remote.row(TableItems, id)
	require.Equal(t, float64(3), row["quantity"])
	require.Equal(t, "DSLR camera", row["name"])
}

func TestUpdateOfflineKeepsBaseVersionOfFirstEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.remote.seed(TableItems, map[string]any{"name": "Camera"})
	rec, err := h.client.FetchByKey(ctx, TableItems, RemoteKey(id))
	require.NoError(t, err)
	seen := rec.UpdatedAt

	h.goOffline()
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"name": "X"})
	require.NoError(t, err)
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"name": "Y"})
	require.NoError(t, err)

	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	// The base must stay the version the user actually saw, not the
	// optimistic timestamp of the first staged edit.
	require.True(t, seen.Equal(pending[0].BaseVersion))
}

func TestUpdateRejectsDeletedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOffline()

	require.NoError(t, h.replica.Put(&Record{
		Type: TableItems, Key: "42", RemoteID: 42, Deleted: true,
		UpdatedAt: h.remote.base, Fields: map[string]any{"name": "Gone"},
	}))

	_, err := h.client.Update(ctx, TableItems, "42", map[string]any{"name": "Back"})
	require.Error(t, err)
	require.Equal(t, ClassDomainRejected, Classify(err))
}

func TestSoftDeleteOfflineStagesTombstone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.remote.seed(TableSources, map[string]any{"name": "Estate sale"})
	_, err := h.client.FetchByKey(ctx, TableSources, RemoteKey(id))
	require.NoError(t, err)

	h.goOffline()
	require.NoError(t, h.client.SoftDelete(ctx, TableSources, RemoteKey(id)))

	// Hidden from lists immediately.
	list, err := h.replica.List(TableSources)
	require.NoError(t, err)
	require.Empty(t, list)

	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, OpSoftDelete, pending[0].Op)

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)
	require.Equal(t, true, h.remote.row(TableSources, id)["deleted"])
}

func TestSoftDeleteRefusesWhileReferenced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	catID := h.remote.seed(TableCategories, map[string]any{"name": "Electronics"})
	h.remote.seed(TableItems, map[string]any{"name": "Camera", "category_id": catID})
	_, _, err := h.client.FetchPage(ctx, TableCategories, 0, 50)
	require.NoError(t, err)
	_, _, err = h.client.FetchPage(ctx, TableItems, 0, 50)
	require.NoError(t, err)

	h.goOffline()
	err = h.client.SoftDelete(ctx, TableCategories, RemoteKey(catID))
	require.Error(t, err)
	require.Equal(t, ClassDomainRejected, Classify(err))

	// Nothing was staged.
	pending, perr := h.replica.ListPendingMutations()
	require.NoError(t, perr)
	require.Empty(t, pending)

	rec, ok, gerr := h.replica.Get(TableCategories, RemoteKey(catID))
	require.NoError(t, gerr)
	require.True(t, ok)
	require.False(t, rec.Deleted)
}

func TestSoftDeleteAllowedOnceReferenceCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	locID := h.remote.seed(TableLocations, map[string]any{"name": "Garage"})
	boxID := h.remote.seed(TableContainers, map[string]any{"name": "Box", "number": 1, "location_id": locID})
	_, _, err := h.client.FetchPage(ctx, TableLocations, 0, 50)
	require.NoError(t, err)
	_, _, err = h.client.FetchPage(ctx, TableContainers, 0, 50)
	require.NoError(t, err)

	h.goOffline()
	require.Error(t, h.client.SoftDelete(ctx, TableLocations, RemoteKey(locID)))

	_, err = h.client.Update(ctx, TableContainers, RemoteKey(boxID), map[string]any{"locationId": nil})
	require.NoError(t, err)
	require.NoError(t, h.client.SoftDelete(ctx, TableLocations, RemoteKey(locID)))
}

func TestOfflineCreateThenDeleteLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOffline()

	rec, err := h.client.Create(ctx, TableCategories, map[string]any{"name": "Temporary"})
	require.NoError(t, err)
	require.NoError(t, h.client.SoftDelete(ctx, TableCategories, rec.Key))

	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Empty(t, pending)

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Applied)
	require.Zero(t, h.remote.callCount("POST"))
}
