// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken(42, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	owner, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), owner)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken(1, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken(1, -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestOwnerFromRequest(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken(7, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/api/items", nil)
	require.NoError(t, err)

	_, err = auth.OwnerFromRequest(req)
	require.Error(t, err, "missing header")

	req.Header.Set("Authorization", token)
	_, err = auth.OwnerFromRequest(req)
	require.Error(t, err, "not a bearer token")

	req.Header.Set("Authorization", "Bearer "+token)
	owner, err := auth.OwnerFromRequest(req)
	require.NoError(t, err)
	require.Equal(t, int64(7), owner)
}
