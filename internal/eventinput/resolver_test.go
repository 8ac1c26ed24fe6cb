package eventinput

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/authchain"
	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/shortid"
)

type fakeGraph map[shortid.ShortEventID][]shortid.ShortEventID

func (g fakeGraph) DirectAuthEvents(e shortid.ShortEventID) ([]shortid.ShortEventID, error) { return g[e], nil }

type fakeMeta map[shortid.ShortEventID]EventMeta

func (m fakeMeta) EventMeta(e shortid.ShortEventID) (EventMeta, error) { return m[e], nil }

type allowAll struct{}

func (allowAll) Allowed(string, shortid.ShortEventID, EventMeta, map[shortid.ShortStateKey]shortid.ShortEventID) (bool, error) {
	return true, nil
}

type denyList map[shortid.ShortEventID]bool

func (d denyList) Allowed(_ string, e shortid.ShortEventID, _ EventMeta, _ map[shortid.ShortStateKey]shortid.ShortEventID) (bool, error) {
	return !d[e], nil
}

func newChains(t *testing.T, g fakeGraph) *authchain.Cache {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "ac.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	c, err := authchain.New(kv, g)
	require.NoError(t, err)
	return c
}

func TestResolveSingleForkReturnsItUnchanged(t *testing.T) {
	r := NewResolver(allowAll{}, fakeMeta{}, newChains(t, fakeGraph{}))
	fork := map[shortid.ShortStateKey]shortid.ShortEventID{1: 100}
	out, err := r.Resolve("10", []map[shortid.ShortStateKey]shortid.ShortEventID{fork})
	require.NoError(t, err)
	assert.Equal(t, fork, out)
}

func TestResolveUnconflictedKeysPassThrough(t *testing.T) {
	meta := fakeMeta{}
	r := NewResolver(allowAll{}, meta, newChains(t, fakeGraph{}))
	forkA := map[shortid.ShortStateKey]shortid.ShortEventID{1: 100, 2: 200}
	forkB := map[shortid.ShortStateKey]shortid.ShortEventID{1: 100, 2: 200}
	out, err := r.Resolve("10", []map[shortid.ShortStateKey]shortid.ShortEventID{forkA, forkB})
	require.NoError(t, err)
	assert.Equal(t, map[shortid.ShortStateKey]shortid.ShortEventID{1: 100, 2: 200}, out)
}

func TestResolveConflictedControlEventPicksHigherPowerLevel(t *testing.T) {
	meta := fakeMeta{
		100: EventMeta{Type: "m.room.power_levels", ShortStateKey: 1, PowerLevel: 50, OriginServerTS: 1},
		200: EventMeta{Type: "m.room.power_levels", ShortStateKey: 1, PowerLevel: 100, OriginServerTS: 2},
	}
	graph := fakeGraph{100: {}, 200: {}}
	r := NewResolver(allowAll{}, meta, newChains(t, graph))

	forkA := map[shortid.ShortStateKey]shortid.ShortEventID{1: 100}
	forkB := map[shortid.ShortStateKey]shortid.ShortEventID{1: 200}
	out, err := r.Resolve("10", []map[shortid.ShortStateKey]shortid.ShortEventID{forkA, forkB})
	require.NoError(t, err)
	assert.Equal(t, shortid.ShortEventID(200), out[1], "higher power level event wins the conflict")
}

func TestResolveSkipsCandidateThatFailsAuth(t *testing.T) {
	meta := fakeMeta{
		100: EventMeta{Type: "m.room.join_rules", ShortStateKey: 1, PowerLevel: 100, OriginServerTS: 1},
		200: EventMeta{Type: "m.room.join_rules", ShortStateKey: 1, PowerLevel: 50, OriginServerTS: 2},
	}
	graph := fakeGraph{100: {}, 200: {}}
	r := NewResolver(denyList{200: true}, meta, newChains(t, graph))

	forkA := map[shortid.ShortStateKey]shortid.ShortEventID{1: 100}
	forkB := map[shortid.ShortStateKey]shortid.ShortEventID{1: 200}
	out, err := r.Resolve("10", []map[shortid.ShortStateKey]shortid.ShortEventID{forkA, forkB})
	require.NoError(t, err)
	assert.Equal(t, shortid.ShortEventID(100), out[1])
}
