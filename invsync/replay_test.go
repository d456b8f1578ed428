// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayDetectsConcurrentRemoteEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.remote.seed(TableItems, map[string]any{"name": "Camera", "quantity": float64(1)})
	_, err := h.client.FetchByKey(ctx, TableItems, RemoteKey(id))
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"quantity": 2})
	require.NoError(t, err)

	// Another device edits the same item while this one is offline.
	h.remote.touch(TableItems, id, map[string]any{"name": "Film camera"})

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)
	require.Zero(t, res.Applied)
	require.False(t, res.Stopped)

	// The stale patch never reached the wire.
	require.Zero(t, h.remote.callCount("PATCH"))
	require.Equal(t, "Film camera", h.remote.row(TableItems, id)["name"])
	require.Equal(t, float64(1), h.remote.row(TableItems, id)["quantity"])

	open, err := h.replica.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, RemoteKey(id), open[0].Key)
	require.False(t, open[0].RemoteDeleted)
	require.Equal(t, float64(2), open[0].LocalFields["quantity"])

	// The conflict is also pushed to the live stream.
	select {
	case c := <-h.client.Conflicts():
		require.Equal(t, open[0].ID, c.ID)
	default:
		t.Fatal("expected a conflict event")
	}

	// The mutation waits for explicit resolution.
	m, ok, err := h.replica.GetMutation(TableItems, RemoteKey(id))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusConflicted, m.Status)
}

func TestReplaySkipsConflictedMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.remote.seed(TableItems, map[string]any{"name": "Camera"})
	_, err := h.client.FetchByKey(ctx, TableItems, RemoteKey(id))
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, TableItems, RemoteKey(id), map[string]any{"name": "X"})
	require.NoError(t, err)
	h.remote.touch(TableItems, id, nil)

	h.goOnline()
	_, err = h.client.Replay(ctx)
	require.NoError(t, err)
	gets := h.remote.callCount("GET")

	// A second pass must not retry the conflicted mutation.
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Applied)
	require.Zero(t, res.Conflicts)
	require.Equal(t, gets, h.remote.callCount("GET"))
}

func TestReplayStopsOnNetworkFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.remote.seed(TableCategories, map[string]any{"name": "Books"})
	b := h.remote.seed(TableCategories, map[string]any{"name": "Vintage"})
	_, _, err := h.client.FetchPage(ctx, TableCategories, 0, 50)
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, TableCategories, RemoteKey(a), map[string]any{"name": "Books & maps"})
	require.NoError(t, err)
	_, err = h.client.Update(ctx, TableCategories, RemoteKey(b), map[string]any{"name": "True vintage"})
	require.NoError(t, err)

	// The monitor believes we are back, but the wire is still dead.
	h.monitor.SetReachable(true)
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Zero(t, res.Applied)

	// Both mutations survive in order for the next pass.
	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, RemoteKey(a), pending[0].Key)
	require.Equal(t, StatusQueued, pending[0].Status)
	require.True(t, h.monitor.IsOffline())

	h.goOnline()
	res, err = h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, "Books & maps", h.remote.row(TableCategories, a)["name"])
}

func TestReplayDropsRejectedMutationAndContinues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.remote.seed(TableSources, map[string]any{"name": "Estate sale"})
	b := h.remote.seed(TableSources, map[string]any{"name": "Flea market"})
	_, _, err := h.client.FetchPage(ctx, TableSources, 0, 50)
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, TableSources, RemoteKey(a), map[string]any{"notes": "first"})
	require.NoError(t, err)
	_, err = h.client.Update(ctx, TableSources, RemoteKey(b), map[string]any{"notes": "second"})
	require.NoError(t, err)

	h.goOnline()
	h.remote.mu.Lock()
	h.remote.patchStatus = http.StatusBadRequest
	h.remote.mu.Unlock()

	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Zero(t, res.Applied)
	require.False(t, res.Stopped)
	require.Len(t, res.Errors, 2)
	require.Equal(t, RemoteKey(a), res.Errors[0].Key)

	// Rejected mutations are gone; the queue does not wedge on them.
	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplayRemoteDeletionBecomesConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.remote.seed(TableContainers, map[string]any{"name": "Box", "number": 1})
	_, err := h.client.FetchByKey(ctx, TableContainers, RemoteKey(id))
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, TableContainers, RemoteKey(id), map[string]any{"name": "Big box"})
	require.NoError(t, err)

	// Deleted on the server while offline.
	h.remote.deleteRow(TableContainers, id)

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	open, err := h.replica.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.True(t, open[0].RemoteDeleted)
	require.True(t, open[0].RemoteVersion.IsZero())
}

func TestReplayStopsWhenContextCancelled(t *testing.T) {
	h := newHarness(t)

	h.goOffline()
	_, err := h.client.Create(context.Background(), TableCategories, map[string]any{"name": "Books"})
	require.NoError(t, err)
	h.goOnline()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Zero(t, h.remote.callCount("POST"))
}

func TestReplayPreservesCrossEntityOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOffline()

	// A container created offline, then an item created offline referencing
	// nothing yet; FIFO means the container reaches the server first.
	_, err := h.client.Create(ctx, TableContainers, map[string]any{"name": "Box", "number": 1})
	require.NoError(t, err)
	_, err = h.client.Create(ctx, TableItems, map[string]any{"name": "Camera"})
	require.NoError(t, err)

	pending, err := h.replica.ListPendingMutations()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, TableContainers, pending[0].Type)
	require.Equal(t, TableItems, pending[1].Type)

	h.goOnline()
	res, err := h.client.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Applied)
}
