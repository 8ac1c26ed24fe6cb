package routing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/federationapi/routing"
	"github.com/arborhs/homeserver/internal/keystore"
	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/xmatrix"
)

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(string) error { return nil }

type noFetch struct{}

func (noFetch) FetchServerKeys(context.Context, string) (map[string]keystore.VerifyKey, error) {
	return nil, nil
}
func (noFetch) NotaryQuery(context.Context, string, string, []string) (map[string]keystore.VerifyKey, error) {
	return nil, nil
}

// crossFetcher lets the server-side Keystore resolve the remote peer's
// verify key directly, as if it had already been fetched.
type crossFetcher struct {
	server string
	keyID  string
	vk     keystore.VerifyKey
}

func (f crossFetcher) FetchServerKeys(_ context.Context, server string) (map[string]keystore.VerifyKey, error) {
	if server != f.server {
		return nil, nil
	}
	return map[string]keystore.VerifyKey{f.keyID: f.vk}, nil
}
func (f crossFetcher) NotaryQuery(ctx context.Context, _, target string, _ []string) (map[string]keystore.VerifyKey, error) {
	return f.FetchServerKeys(ctx, target)
}

func newKeystore(t *testing.T, serverName string, fetcher keystore.KeyFetcher) *keystore.Keystore {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), serverName+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	ks, err := keystore.New(kv, serverName, nil, fetcher)
	require.NoError(t, err)
	return ks
}

type fakeCommitter struct {
	accepted []string
	fail     map[string]bool
}

func (f *fakeCommitter) HandleIncomingPDU(_ context.Context, _, _, eventID string, _ []byte, _ bool) (string, bool, error) {
	if f.fail[eventID] {
		return "", false, assertError("rejected")
	}
	f.accepted = append(f.accepted, eventID)
	return eventID, false, nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

type fakeRooms struct{ version string }

func (r fakeRooms) RoomVersion(string) (string, error) { return r.version, nil }

type fakeEvents struct {
	byID map[string][]byte
}

func (e fakeEvents) GetEventJSON(eventID string) ([]byte, bool, error) {
	raw, ok := e.byID[eventID]
	return raw, ok, nil
}

// signedRequest mirrors federationclient's request-signing envelope, so
// tests can act as an authenticated remote peer.
func signedRequest(t *testing.T, origin *keystore.Keystore, originName, method, path string, body []byte) *http.Request {
	t.Helper()
	signingObj := map[string]any{
		"method": method,
		"uri":    path,
		"origin": originName,
	}
	if len(body) > 0 {
		var content any
		require.NoError(t, json.Unmarshal(body, &content))
		signingObj["content"] = content
	}
	raw, err := json.Marshal(signingObj)
	require.NoError(t, err)
	signed, err := origin.SignJSON(raw)
	require.NoError(t, err)

	var envelope struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(signed, &envelope))
	sig := envelope.Signatures[originName][origin.OwnKeyID()]
	require.NotEmpty(t, sig)

	var reader *bytes.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", xmatrix.Build(xmatrix.Credentials{
		Origin: originName, KeyID: origin.OwnKeyID(), Signature: sig,
	}))
	return req
}

func TestKeyServerHandlerReturnsSelfSignedKey(t *testing.T) {
	ks := newKeystore(t, "local.example", noFetch{})
	r := mux.NewRouter()
	routing.NewRouter(r, ks, 24*time.Hour, &fakeCommitter{}, fakeRooms{}, fakeEvents{}, allowAllLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/_matrix/key/v2/server", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		ServerName string `json:"server_name"`
		VerifyKeys map[string]struct {
			Key string `json:"key"`
		} `json:"verify_keys"`
		Signatures map[string]map[string]string `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "local.example", doc.ServerName)
	assert.Contains(t, doc.VerifyKeys, ks.OwnKeyID())
	assert.Contains(t, doc.Signatures["local.example"], ks.OwnKeyID())
}

func TestKeyQueryHandlerResolvesAndResigns(t *testing.T) {
	subject := newKeystore(t, "subject.example", noFetch{})
	ks := newKeystore(t, "local.example", crossFetcher{
		server: "subject.example",
		keyID:  subject.OwnKeyID(),
		vk:     keystore.VerifyKey{PublicKey: subject.OwnPublicKey(), ValidUntilTS: time.Now().Add(time.Hour).UnixMilli()},
	})
	r := mux.NewRouter()
	routing.NewRouter(r, ks, 24*time.Hour, &fakeCommitter{}, fakeRooms{}, fakeEvents{}, allowAllLimiter{})

	body, err := json.Marshal(map[string]any{
		"server_keys": map[string]any{
			"subject.example": map[string]any{subject.OwnKeyID(): map[string]any{}},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/_matrix/key/v2/query", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ServerKeys, 1)

	var doc struct {
		ServerName string                        `json:"server_name"`
		Signatures map[string]map[string]string `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(resp.ServerKeys[0], &doc))
	assert.Equal(t, "subject.example", doc.ServerName)
	assert.Contains(t, doc.Signatures["local.example"], ks.OwnKeyID())
}

func TestSendTransactionHandlerRejectsUnsignedRequest(t *testing.T) {
	ks := newKeystore(t, "local.example", noFetch{})
	r := mux.NewRouter()
	routing.NewRouter(r, ks, 24*time.Hour, &fakeCommitter{}, fakeRooms{}, fakeEvents{}, allowAllLimiter{})

	req := httptest.NewRequest(http.MethodPut, "/_matrix/federation/v1/send/txn1", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendTransactionHandlerCommitsEachPDU(t *testing.T) {
	remote := newKeystore(t, "remote.example", noFetch{})
	ks := newKeystore(t, "local.example", crossFetcher{
		server: "remote.example",
		keyID:  remote.OwnKeyID(),
		vk:     keystore.VerifyKey{PublicKey: remote.OwnPublicKey(), ValidUntilTS: time.Now().Add(time.Hour).UnixMilli()},
	})
	committer := &fakeCommitter{fail: map[string]bool{"$bad": true}}
	r := mux.NewRouter()
	routing.NewRouter(r, ks, 24*time.Hour, committer, fakeRooms{version: "10"}, fakeEvents{}, allowAllLimiter{})

	body, err := json.Marshal(map[string]any{
		"origin":           "remote.example",
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus": []json.RawMessage{
			json.RawMessage(`{"event_id":"$good","room_id":"!r:remote.example","type":"m.room.message"}`),
			json.RawMessage(`{"event_id":"$bad","room_id":"!r:remote.example","type":"m.room.message"}`),
		},
	})
	require.NoError(t, err)

	req := signedRequest(t, remote, "remote.example", http.MethodPut, "/_matrix/federation/v1/send/txn1", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		PDUs map[string]json.RawMessage `json:"pdus"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "{}", string(resp.PDUs["$good"]))
	assert.Contains(t, string(resp.PDUs["$bad"]), "error")
	assert.Contains(t, committer.accepted, "$good")
}

func TestEventHandlerReturnsStoredPDU(t *testing.T) {
	remote := newKeystore(t, "remote.example", noFetch{})
	ks := newKeystore(t, "local.example", crossFetcher{
		server: "remote.example",
		keyID:  remote.OwnKeyID(),
		vk:     keystore.VerifyKey{PublicKey: remote.OwnPublicKey(), ValidUntilTS: time.Now().Add(time.Hour).UnixMilli()},
	})
	events := fakeEvents{byID: map[string][]byte{"$a": []byte(`{"event_id":"$a"}`)}}
	r := mux.NewRouter()
	routing.NewRouter(r, ks, 24*time.Hour, &fakeCommitter{}, fakeRooms{}, events, allowAllLimiter{})

	req := signedRequest(t, remote, "remote.example", http.MethodGet, "/_matrix/federation/v1/event/$a", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Origin string            `json:"origin"`
		PDUs   []json.RawMessage `json:"pdus"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "local.example", resp.Origin)
	require.Len(t, resp.PDUs, 1)
	assert.JSONEq(t, `{"event_id":"$a"}`, string(resp.PDUs[0]))
}

func TestEventHandlerReturns404ForUnknownEvent(t *testing.T) {
	remote := newKeystore(t, "remote.example", noFetch{})
	ks := newKeystore(t, "local.example", crossFetcher{
		server: "remote.example",
		keyID:  remote.OwnKeyID(),
		vk:     keystore.VerifyKey{PublicKey: remote.OwnPublicKey(), ValidUntilTS: time.Now().Add(time.Hour).UnixMilli()},
	})
	r := mux.NewRouter()
	routing.NewRouter(r, ks, 24*time.Hour, &fakeCommitter{}, fakeRooms{}, fakeEvents{byID: map[string][]byte{}}, allowAllLimiter{})

	req := signedRequest(t, remote, "remote.example", http.MethodGet, "/_matrix/federation/v1/event/$missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
