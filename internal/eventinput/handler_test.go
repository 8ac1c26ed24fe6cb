package eventinput

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/authchain"
	"github.com/arborhs/homeserver/internal/keystore"
	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/outlier"
	"github.com/arborhs/homeserver/internal/shortid"
	"github.com/arborhs/homeserver/internal/statecompressor"
	"github.com/arborhs/homeserver/internal/timeline"
)

type fakeKeyFetcher struct {
	direct map[string]map[string]keystore.VerifyKey
}

func (f *fakeKeyFetcher) FetchServerKeys(_ context.Context, server string) (map[string]keystore.VerifyKey, error) {
	if m, ok := f.direct[server]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no keys for %s", server)
}

func (f *fakeKeyFetcher) NotaryQuery(_ context.Context, _, target string, _ []string) (map[string]keystore.VerifyKey, error) {
	return f.FetchServerKeys(context.Background(), target)
}

func openKV(t *testing.T, name string) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// originSigner signs raw PDU JSON as one federation server, so a
// Handler's own Keystore can verify the events it produced.
type originSigner struct {
	ks      *keystore.Keystore
	fetcher *fakeKeyFetcher
}

func newOriginSigner(t *testing.T, serverName string) *originSigner {
	t.Helper()
	kv := openKV(t, "origin.db")
	ks, err := keystore.New(kv, serverName, nil, &fakeKeyFetcher{})
	require.NoError(t, err)

	fetcher := &fakeKeyFetcher{direct: map[string]map[string]keystore.VerifyKey{
		serverName: {ks.OwnKeyID(): {PublicKey: ks.OwnPublicKey(), ValidUntilTS: time.Now().Add(24 * time.Hour).UnixMilli()}},
	}}
	return &originSigner{ks: ks, fetcher: fetcher}
}

func (o *originSigner) sign(t *testing.T, raw []byte) []byte {
	t.Helper()
	signed, err := o.ks.SignJSON(raw)
	require.NoError(t, err)
	return signed
}

type staticRooms struct {
	mu      sync.Mutex
	version string
	calls   int
}

func (r *staticRooms) RoomVersion(string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.version, nil
}

// blockingRooms blocks the first call to RoomVersion until release is
// closed, signalling on started once that first call has begun, so a
// test can assert a concurrent second caller awaited it instead of
// redoing the work.
type blockingRooms struct {
	version string
	started chan struct{}
	once    sync.Once
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (r *blockingRooms) RoomVersion(string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.once.Do(func() { close(r.started) })
	<-r.release
	return r.version, nil
}

type noFetch struct{}

func (noFetch) FetchEvent(context.Context, string, string, string, []string) ([]byte, error) {
	return nil, fmt.Errorf("fetch not expected in this test")
}

func (noFetch) Backfill(context.Context, string, string, []string, int) ([][]byte, error) {
	return nil, fmt.Errorf("backfill not expected in this test")
}

// denyType fails auth for events of a given type, regardless of which
// short event ID ends up assigned to them.
type denyType map[string]bool

func (d denyType) Allowed(_ string, _ shortid.ShortEventID, meta EventMeta, _ map[shortid.ShortStateKey]shortid.ShortEventID) (bool, error) {
	return !d[meta.Type], nil
}

type testHandler struct {
	h  *Handler
	tl *timeline.Timeline
}

func newTestHandler(t *testing.T, fetcher *fakeKeyFetcher, roomVersion string, auth AuthChecker, federation FederationFetcher) *testHandler {
	t.Helper()
	kv := openKV(t, "hs.db")
	interner := shortid.New(kv)
	keys, err := keystore.New(kv, "hs.local", nil, fetcher)
	require.NoError(t, err)
	outliers := outlier.New(kv)
	compressor := statecompressor.New(kv)
	chains, err := authchain.New(kv, fakeGraph{})
	require.NoError(t, err)
	tl := timeline.New(kv)
	resolver := NewResolver(auth, fakeMeta{}, chains)

	if federation == nil {
		federation = noFetch{}
	}
	rooms := &staticRooms{version: roomVersion}
	h := NewHandler(kv, interner, keys, outliers, compressor, chains, tl, resolver, auth, federation, nil, rooms)
	return &testHandler{h: h, tl: tl}
}

func createEventJSON(eventID, roomID, sender string, ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"room_id":%q,"sender":%q,"origin_server_ts":%d,"type":"m.room.create","content":{"creator":%q},"state_key":"","prev_events":[],"auth_events":[],"depth":1}`,
		eventID, roomID, sender, ts, sender))
}

func messageEventJSON(eventID, roomID, sender string, ts int64, prevEventIDs []string) []byte {
	prevs := "["
	for i, p := range prevEventIDs {
		if i > 0 {
			prevs += ","
		}
		prevs += fmt.Sprintf("%q", p)
	}
	prevs += "]"
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"room_id":%q,"sender":%q,"origin_server_ts":%d,"type":"m.room.message","content":{"body":"hello world"},"prev_events":%s,"auth_events":[],"depth":2}`,
		eventID, roomID, sender, ts, prevs))
}

func TestHandleIncomingPDUCommitsHappyPath(t *testing.T) {
	const origin = "origin.example"
	const roomID = "!room:origin.example"
	const eventID = "$create:origin.example"

	signer := newOriginSigner(t, origin)
	signed := signer.sign(t, createEventJSON(eventID, roomID, "@creator:origin.example", 1000))

	th := newTestHandler(t, signer.fetcher, "2", allowAll{}, nil)

	acceptedID, softFailed, err := th.h.HandleIncomingPDU(context.Background(), origin, roomID, eventID, signed, true)
	require.NoError(t, err)
	assert.False(t, softFailed)
	assert.Equal(t, eventID, acceptedID)

	_, ok, err := th.tl.GetPduCount(eventID)
	require.NoError(t, err)
	assert.True(t, ok, "committed event must have a PduCount")
}

func TestHandleIncomingPDURejectsRoomIDMismatch(t *testing.T) {
	const origin = "origin.example"
	const roomID = "!room:origin.example"
	const eventID = "$create:origin.example"

	signer := newOriginSigner(t, origin)
	signed := signer.sign(t, createEventJSON(eventID, "!other:origin.example", "@creator:origin.example", 1000))

	th := newTestHandler(t, signer.fetcher, "2", allowAll{}, nil)

	_, _, err := th.h.HandleIncomingPDU(context.Background(), origin, roomID, eventID, signed, true)
	assert.Error(t, err)
}

func TestHandleIncomingPDUSecondEventBuildsOnFirst(t *testing.T) {
	const origin = "origin.example"
	const roomID = "!room:origin.example"
	const createID = "$create:origin.example"
	const msgID = "$msg:origin.example"

	signer := newOriginSigner(t, origin)
	createSigned := signer.sign(t, createEventJSON(createID, roomID, "@creator:origin.example", 1000))
	msgSigned := signer.sign(t, messageEventJSON(msgID, roomID, "@creator:origin.example", 1001, []string{createID}))

	th := newTestHandler(t, signer.fetcher, "2", allowAll{}, nil)

	_, softFailed, err := th.h.HandleIncomingPDU(context.Background(), origin, roomID, createID, createSigned, true)
	require.NoError(t, err)
	require.False(t, softFailed)

	_, softFailed, err = th.h.HandleIncomingPDU(context.Background(), origin, roomID, msgID, msgSigned, true)
	require.NoError(t, err)
	assert.False(t, softFailed)

	_, ok, err := th.tl.GetPduCount(msgID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleIncomingPDUSoftFailsOnAuthRejection(t *testing.T) {
	const origin = "origin.example"
	const roomID = "!room:origin.example"
	const eventID = "$create:origin.example"

	signer := newOriginSigner(t, origin)
	signed := signer.sign(t, createEventJSON(eventID, roomID, "@creator:origin.example", 1000))

	auth := denyType{"m.room.create": true}
	th := newTestHandler(t, signer.fetcher, "2", auth, nil)

	acceptedID, softFailed, err := th.h.HandleIncomingPDU(context.Background(), origin, roomID, eventID, signed, true)
	require.NoError(t, err)
	assert.True(t, softFailed)
	assert.Equal(t, eventID, acceptedID)

	failed, err := th.tl.IsSoftFailed(eventID)
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestHandleIncomingPDUDedupesConcurrentCallsForSameKey(t *testing.T) {
	const origin = "origin.example"
	const roomID = "!room:origin.example"
	const eventID = "$create:origin.example"

	signer := newOriginSigner(t, origin)
	signed := signer.sign(t, createEventJSON(eventID, roomID, "@creator:origin.example", 1000))

	kv := openKV(t, "hs.db")
	interner := shortid.New(kv)
	keys, err := keystore.New(kv, "hs.local", nil, signer.fetcher)
	require.NoError(t, err)
	outliers := outlier.New(kv)
	compressor := statecompressor.New(kv)
	chains, err := authchain.New(kv, fakeGraph{})
	require.NoError(t, err)
	tl := timeline.New(kv)
	resolver := NewResolver(allowAll{}, fakeMeta{}, chains)

	rooms := &blockingRooms{version: "2", started: make(chan struct{}), release: make(chan struct{})}
	h := NewHandler(kv, interner, keys, outliers, compressor, chains, tl, resolver, allowAll{}, noFetch{}, nil, rooms)

	var wg sync.WaitGroup
	wg.Add(2)
	results := make([]error, 2)
	go func() {
		defer wg.Done()
		_, _, results[0] = h.HandleIncomingPDU(context.Background(), origin, roomID, eventID, signed, true)
	}()

	<-rooms.started
	go func() {
		defer wg.Done()
		_, _, results[1] = h.HandleIncomingPDU(context.Background(), origin, roomID, eventID, signed, true)
	}()

	// Give the second caller a moment to reach inflight.begin() and await
	// the first caller's in-progress result before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(rooms.release)
	wg.Wait()

	require.NoError(t, results[0])
	require.NoError(t, results[1])
	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	assert.Equal(t, 1, rooms.calls, "the second caller must await the first rather than redo the work")
}
