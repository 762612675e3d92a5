package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	return NewRedis(srv.Addr()), srv
}

func TestRedis_RoundTripCompressed(t *testing.T) {
	r, srv := newTestRedis(t)
	ctx := context.Background()

	payload := []byte(strings.Repeat(`{"id":"123","airplane":"ASW 27"}`, 64))
	require.NoError(t, r.Set(ctx, "k", payload, time.Hour))

	// Stored form is lz4, not the raw payload.
	raw, err := srv.Get("k")
	require.NoError(t, err)
	assert.NotEqual(t, string(payload), raw)
	assert.Less(t, len(raw), len(payload))

	got, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestRedis_MissAndTTL(t *testing.T) {
	r, srv := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	srv.FastForward(2 * time.Minute)
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Ping(t *testing.T) {
	r, _ := newTestRedis(t)
	assert.NoError(t, r.Ping(context.Background()))
}
