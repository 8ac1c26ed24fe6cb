package statecompressor_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/shortid"
	"github.com/arborhs/homeserver/internal/statecompressor"
)

func newCompressor(t *testing.T) *statecompressor.Compressor {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "sc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return statecompressor.New(kv)
}

func TestResolveEmptyHash(t *testing.T) {
	c := newCompressor(t)
	state, err := c.ResolveState(0)
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestAllocateRootAndResolve(t *testing.T) {
	c := newCompressor(t)
	hash, err := c.AllocateSnapshot(0, map[shortid.ShortStateKey]shortid.ShortEventID{
		1: 100,
		2: 200,
	}, nil)
	require.NoError(t, err)
	require.NotZero(t, hash)

	state, err := c.ResolveState(hash)
	require.NoError(t, err)
	assert.Equal(t, map[shortid.ShortStateKey]shortid.ShortEventID{1: 100, 2: 200}, state)
}

func TestAllocateChainAppliesAddedAndRemovedInOrder(t *testing.T) {
	c := newCompressor(t)
	root, err := c.AllocateSnapshot(0, map[shortid.ShortStateKey]shortid.ShortEventID{1: 100, 2: 200}, nil)
	require.NoError(t, err)

	child, err := c.AllocateSnapshot(root, map[shortid.ShortStateKey]shortid.ShortEventID{2: 201, 3: 300}, []shortid.ShortStateKey{1})
	require.NoError(t, err)

	state, err := c.ResolveState(child)
	require.NoError(t, err)
	assert.Equal(t, map[shortid.ShortStateKey]shortid.ShortEventID{2: 201, 3: 300}, state)
}

func TestChainFlattensPastDiffParentLimit(t *testing.T) {
	c := newCompressor(t)
	hash := statecompressor.ShortStateHash(0)
	for i := 0; i < 70; i++ {
		var err error
		hash, err = c.AllocateSnapshot(hash, map[shortid.ShortStateKey]shortid.ShortEventID{
			shortid.ShortStateKey(i + 1): shortid.ShortEventID(i + 1000),
		}, nil)
		require.NoError(t, err)
	}

	state, err := c.ResolveState(hash)
	require.NoError(t, err)
	assert.Len(t, state, 70, "flattening must not lose any accumulated keys")
	assert.Equal(t, shortid.ShortEventID(1000), state[1])
	assert.Equal(t, shortid.ShortEventID(1069), state[70])
}
