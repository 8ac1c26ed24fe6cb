package shortid_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/shortid"
)

func newInterner(t *testing.T) *shortid.Interner {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return shortid.New(kv)
}

func TestInternEventIDIdempotent(t *testing.T) {
	in := newInterner(t)

	a, err := in.InternEventID("$abc:example.org")
	require.NoError(t, err)
	b, err := in.InternEventID("$abc:example.org")
	require.NoError(t, err)
	assert.Equal(t, a, b, "P3: intern(x) twice returns equal values")

	c, err := in.InternEventID("$def:example.org")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestInternEventIDConcurrentSameInput(t *testing.T) {
	in := newInterner(t)

	const n = 50
	results := make([]shortid.ShortEventID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := in.InternEventID("$race:example.org")
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i], "concurrent interning of the same ID must converge")
	}
}

func TestReverseLookupRoundTrip(t *testing.T) {
	in := newInterner(t)

	short, err := in.InternRoomID("!room:example.org")
	require.NoError(t, err)

	got, ok, err := in.RoomIDForShort(short)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!room:example.org", got)
}

func TestStateKeyRoundTrip(t *testing.T) {
	in := newInterner(t)

	short, err := in.InternStateKey("m.room.member", "@alice:example.org")
	require.NoError(t, err)

	ty, sk, ok, err := in.StateKeyForShort(short)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m.room.member", ty)
	assert.Equal(t, "@alice:example.org", sk)
}

func TestShortIDsNeverReused(t *testing.T) {
	in := newInterner(t)

	first, err := in.InternEventID("$one:example.org")
	require.NoError(t, err)
	second, err := in.InternEventID("$two:example.org")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Less(t, uint64(first), uint64(second))
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	kv, err := kvstore.Open(path)
	require.NoError(t, err)
	in := shortid.New(kv)
	short, err := in.InternEventID("$persisted:example.org")
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	kv2, err := kvstore.Open(path)
	require.NoError(t, err)
	defer kv2.Close()
	in2 := shortid.New(kv2)
	again, err := in2.InternEventID("$persisted:example.org")
	require.NoError(t, err)
	assert.Equal(t, short, again, "short IDs must survive process restart")
}
