package eventinput

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/outlier"
	"github.com/arborhs/homeserver/internal/shortid"
)

func newAuthFixture(t *testing.T) (*DefaultAuthChecker, *EventMetaStore, *outlier.Store, *shortid.Interner) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "defaultauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	outliers := outlier.New(kv)
	interner := shortid.New(kv)
	store := NewEventMetaStore(outliers, interner)
	return NewDefaultAuthChecker(store), store, outliers, interner
}

// put records an event's canonical JSON and returns its EventMeta, as if
// it had already passed through the outlier-insert stage of the pipeline.
func put(t *testing.T, outliers *outlier.Store, interner *shortid.Interner, eventID string, raw []byte) (shortid.ShortEventID, EventMeta) {
	t.Helper()
	require.NoError(t, outliers.Put(eventID, raw))
	short, err := interner.InternEventID(eventID)
	require.NoError(t, err)

	meta := EventMeta{}
	metaStore := NewEventMetaStore(outliers, interner)
	meta, err = metaStore.EventMeta(short)
	require.NoError(t, err)
	return short, meta
}

func TestAllowedCreateEventInEmptyRoom(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	short, meta := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))

	ok, err := auth.Allowed("1", short, meta, map[shortid.ShortStateKey]shortid.ShortEventID{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowedSecondCreateEventRejected(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	createShort, createMeta := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))
	createKey, err := interner.InternStateKey("m.room.create", "")
	require.NoError(t, err)
	state := map[shortid.ShortStateKey]shortid.ShortEventID{createKey: createShort}

	dupShort, dupMeta := put(t, outliers, interner, "$create2:example.org", []byte(`{
		"type": "m.room.create", "sender": "@mallory:example.org",
		"origin_server_ts": 2, "state_key": ""
	}`))

	ok, err := auth.Allowed("1", dupShort, dupMeta, state)
	require.NoError(t, err)
	assert.False(t, ok)
	_ = createMeta
}

func TestAllowedNonCreateEventRejectedWithoutCreate(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	short, meta := put(t, outliers, interner, "$msg:example.org", []byte(`{
		"type": "m.room.message", "sender": "@alice:example.org", "origin_server_ts": 1
	}`))

	ok, err := auth.Allowed("1", short, meta, map[shortid.ShortStateKey]shortid.ShortEventID{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowedMessageFromCreatorWithDefaultPowerLevels(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	createShort, _ := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))
	createKey, err := interner.InternStateKey("m.room.create", "")
	require.NoError(t, err)
	state := map[shortid.ShortStateKey]shortid.ShortEventID{createKey: createShort}

	msgShort, msgMeta := put(t, outliers, interner, "$msg:example.org", []byte(`{
		"type": "m.room.message", "sender": "@alice:example.org", "origin_server_ts": 2
	}`))

	ok, err := auth.Allowed("1", msgShort, msgMeta, state)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowedCustomStateEventDeniedBelowStateDefault(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	createShort, _ := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))
	createKey, err := interner.InternStateKey("m.room.create", "")
	require.NoError(t, err)
	state := map[shortid.ShortStateKey]shortid.ShortEventID{createKey: createShort}

	short, meta := put(t, outliers, interner, "$topic:example.org", []byte(`{
		"type": "m.room.topic", "sender": "@bob:example.org",
		"origin_server_ts": 2, "state_key": ""
	}`))

	ok, err := auth.Allowed("1", short, meta, state)
	require.NoError(t, err)
	assert.False(t, ok, "non-creator with no power_levels event defaults to level 0, below state_default 50")
}

func TestAllowedMembershipJoinBySelf(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	createShort, _ := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))
	createKey, err := interner.InternStateKey("m.room.create", "")
	require.NoError(t, err)
	state := map[shortid.ShortStateKey]shortid.ShortEventID{createKey: createShort}

	short, meta := put(t, outliers, interner, "$join:example.org", []byte(`{
		"type": "m.room.member", "sender": "@bob:example.org",
		"origin_server_ts": 2, "state_key": "@bob:example.org",
		"content": {"membership": "join"}
	}`))

	ok, err := auth.Allowed("1", short, meta, state)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowedMembershipJoinRejectedForOtherUser(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	createShort, _ := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))
	createKey, err := interner.InternStateKey("m.room.create", "")
	require.NoError(t, err)
	state := map[shortid.ShortStateKey]shortid.ShortEventID{createKey: createShort}

	short, meta := put(t, outliers, interner, "$join:example.org", []byte(`{
		"type": "m.room.member", "sender": "@bob:example.org",
		"origin_server_ts": 2, "state_key": "@carol:example.org",
		"content": {"membership": "join"}
	}`))

	ok, err := auth.Allowed("1", short, meta, state)
	require.NoError(t, err)
	assert.False(t, ok, "only the target user may join on their own behalf")
}

func TestAllowedPowerLevelChangeCannotExceedSenderLevel(t *testing.T) {
	auth, _, outliers, interner := newAuthFixture(t)
	createShort, _ := put(t, outliers, interner, "$create:example.org", []byte(`{
		"type": "m.room.create", "sender": "@alice:example.org",
		"origin_server_ts": 1, "state_key": ""
	}`))
	createKey, err := interner.InternStateKey("m.room.create", "")
	require.NoError(t, err)

	plShort, _ := put(t, outliers, interner, "$pl:example.org", []byte(`{
		"type": "m.room.power_levels", "sender": "@alice:example.org",
		"origin_server_ts": 2, "state_key": "",
		"content": {"users": {"@alice:example.org": 100, "@bob:example.org": 50}}
	}`))
	plKey, err := interner.InternStateKey("m.room.power_levels", "")
	require.NoError(t, err)

	state := map[shortid.ShortStateKey]shortid.ShortEventID{
		createKey: createShort,
		plKey:     plShort,
	}

	short, meta := put(t, outliers, interner, "$pl2:example.org", []byte(`{
		"type": "m.room.power_levels", "sender": "@bob:example.org",
		"origin_server_ts": 3, "state_key": "",
		"content": {"users": {"@bob:example.org": 50, "@carol:example.org": 75}}
	}`))

	ok, err := auth.Allowed("1", short, meta, state)
	require.NoError(t, err)
	assert.False(t, ok, "bob (level 50) cannot grant carol a level above his own")
}
