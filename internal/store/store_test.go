package store

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKV_RoundTrip(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	var missing map[string]int
	ok, err := kv.Get(ctx, KeyStats, &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Put(ctx, KeyStats, map[string]int{"totalScanned": 3}))
	var got map[string]int
	ok, err = kv.Get(ctx, KeyStats, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, got["totalScanned"])
}

func TestMemoryKV_EncodeFailureIsPersistenceError(t *testing.T) {
	err := NewMemoryKV().Put(context.Background(), "bad", math.NaN())
	assert.True(t, errors.Is(err, ErrPersistence))
}
