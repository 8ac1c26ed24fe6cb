package pdu_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/pkg/pdu"
)

const sampleMessage = `{
	"type": "m.room.message",
	"room_id": "!room:example.org",
	"sender": "@alice:example.org",
	"origin_server_ts": 1000,
	"content": {"msgtype": "m.text", "body": "hello"},
	"prev_events": ["$prev:example.org"],
	"auth_events": ["$auth:example.org"],
	"depth": 4,
	"hashes": {"sha256": "abc"},
	"signatures": {"example.org": {"ed25519:1": "sig"}}
}`

func TestParseRoundTrip(t *testing.T) {
	p, err := pdu.Parse([]byte(sampleMessage))
	require.NoError(t, err)
	assert.Equal(t, "!room:example.org", p.RoomID)
	assert.Equal(t, "@alice:example.org", p.Sender)
	assert.False(t, p.IsStateEvent())
	assert.Equal(t, int64(4), p.Depth)
}

func TestIsStateEvent(t *testing.T) {
	stateEvent := `{"type":"m.room.name","room_id":"!r:x","sender":"@a:x","origin_server_ts":1,
		"content":{"name":"n"},"state_key":"","prev_events":[],"auth_events":[],"depth":1}`
	p, err := pdu.Parse([]byte(stateEvent))
	require.NoError(t, err)
	assert.True(t, p.IsStateEvent())
	assert.Equal(t, "", *p.StateKey)
}

func TestContentHashDeterministic(t *testing.T) {
	h1, err := pdu.ContentHash([]byte(sampleMessage))
	require.NoError(t, err)
	h2, err := pdu.ContentHash([]byte(sampleMessage))
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "P5: canonical-JSON-derived hash is deterministic")
	assert.NotEmpty(t, h1)
}

func TestContentHashIgnoresSignaturesAndUnsigned(t *testing.T) {
	withUnsigned, err := setUnsigned(sampleMessage)
	require.NoError(t, err)

	h1, err := pdu.ContentHash([]byte(sampleMessage))
	require.NoError(t, err)
	h2, err := pdu.ContentHash(withUnsigned)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "content hash must not cover unsigned")
}

func setUnsigned(raw string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	m["unsigned"] = map[string]interface{}{"age": 12345}
	return json.Marshal(m)
}

func TestDeriveEventIDRoomVersion1UsesTransmitted(t *testing.T) {
	raw := `{"event_id":"$opaque:example.org","type":"m.room.message","room_id":"!r:x","sender":"@a:x",
		"origin_server_ts":1,"content":{},"prev_events":[],"auth_events":[],"depth":1}`
	id, err := pdu.DeriveEventID([]byte(raw), "1")
	require.NoError(t, err)
	assert.Equal(t, "$opaque:example.org", id)
}

func TestDeriveEventIDRoomVersion10IsHashDerived(t *testing.T) {
	id, err := pdu.DeriveEventID([]byte(sampleMessage), "10")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, byte('$'), id[0])

	// P6: deriving twice from the same bytes yields the same event_id.
	id2, err := pdu.DeriveEventID([]byte(sampleMessage), "10")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestRedactMembershipKeepsOnlyMembership(t *testing.T) {
	member := `{"type":"m.room.member","room_id":"!r:x","sender":"@a:x","origin_server_ts":1,
		"content":{"membership":"join","displayname":"Alice","avatar_url":"mxc://x/y"},
		"state_key":"@a:x","prev_events":[],"auth_events":[],"depth":2}`

	redacted, err := pdu.Redact([]byte(member), "10", "$redaction:example.org")
	require.NoError(t, err)

	p, err := pdu.Parse(redacted)
	require.NoError(t, err)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Content, &content))
	assert.Contains(t, content, "membership")
	assert.NotContains(t, content, "displayname")
	assert.NotContains(t, content, "avatar_url")
}

func TestRedactIsIdempotent(t *testing.T) {
	member := `{"type":"m.room.message","room_id":"!r:x","sender":"@a:x","origin_server_ts":1,
		"content":{"msgtype":"m.text","body":"hi"},"prev_events":[],"auth_events":[],"depth":2}`

	once, err := pdu.Redact([]byte(member), "10", "$redaction:example.org")
	require.NoError(t, err)
	twice, err := pdu.Redact(once, "10", "$redaction:example.org")
	require.NoError(t, err)

	p1, err := pdu.Parse(once)
	require.NoError(t, err)
	p2, err := pdu.Parse(twice)
	require.NoError(t, err)
	assert.JSONEq(t, string(p1.Content), string(p2.Content), "a second identical redaction is a no-op on content")
}

func TestRedactedFieldsPowerLevelsV10IncludesInvite(t *testing.T) {
	fields := pdu.RedactedFields("10", "m.room.power_levels")
	assert.Contains(t, fields, "invite")
}

func TestRedactedFieldsPowerLevelsV9ExcludesInvite(t *testing.T) {
	fields := pdu.RedactedFields("9", "m.room.power_levels")
	assert.NotContains(t, fields, "invite")
}

func TestParsePowerLevelDefaultsWhenAbsent(t *testing.T) {
	lvl := pdu.ParsePowerLevel(json.RawMessage(`{}`), "users_default", 0)
	assert.Equal(t, int64(0), lvl)

	lvl2 := pdu.ParsePowerLevel(json.RawMessage(`{"users_default": 50}`), "users_default", 0)
	assert.Equal(t, int64(50), lvl2)
}
