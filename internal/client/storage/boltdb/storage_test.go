package boltdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefs.db")
	s, err := New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStorage_Defaults(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	trusted, err := s.Trusted(ctx)
	require.NoError(t, err)
	assert.False(t, trusted)

	sid, err := s.LeftoverSession(ctx)
	require.NoError(t, err)
	assert.Empty(t, sid)
}

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStorage(t)

	require.NoError(t, s.SetTrusted(ctx, true))
	require.NoError(t, s.SetLeftoverSession(ctx, "01J0000000000000000000000A"))
	require.NoError(t, s.Close())

	s2, err := New(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	trusted, err := s2.Trusted(ctx)
	require.NoError(t, err)
	assert.True(t, trusted)

	sid, err := s2.LeftoverSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "01J0000000000000000000000A", sid)
}

func TestStorage_ClearLeftoverSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	require.NoError(t, s.SetLeftoverSession(ctx, "sid-1"))
	require.NoError(t, s.ClearLeftoverSession(ctx))
	require.NoError(t, s.ClearLeftoverSession(ctx))

	sid, err := s.LeftoverSession(ctx)
	require.NoError(t, err)
	assert.Empty(t, sid)

	require.NoError(t, s.SetLeftoverSession(ctx, "sid-2"))
	require.NoError(t, s.SetLeftoverSession(ctx, ""))
	sid, err = s.LeftoverSession(ctx)
	require.NoError(t, err)
	assert.Empty(t, sid)
}

func TestStorage_TrustToggle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	require.NoError(t, s.SetTrusted(ctx, true))
	require.NoError(t, s.SetTrusted(ctx, false))
	trusted, err := s.Trusted(ctx)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestStorage_Closed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Trusted(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.SetTrusted(ctx, true), ErrClosed)
	assert.ErrorIs(t, s.ClearLeftoverSession(ctx), ErrClosed)
}
