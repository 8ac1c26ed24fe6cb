// Package federationclient implements the federation endpoints a
// homeserver *consumes*: remote key fetch/notary query, ancestor event
// fetch, and transaction delivery, over plain net/http with Matrix's
// X-Matrix request signing.
//
// Server discovery (SRV/.well-known delegation) is out of scope; the
// destination server name is used directly as the HTTPS host, matching
// the common single-host deployment shape.
package federationclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arborhs/homeserver/internal/keystore"
	"github.com/arborhs/homeserver/internal/sending"
	"github.com/arborhs/homeserver/internal/xmatrix"
)

// Client implements keystore.KeyFetcher, eventinput.FederationFetcher,
// and sending.Transport against real federation peers.
type Client struct {
	serverName string
	keys       *keystore.Keystore
	http       *http.Client
}

// New constructs a Client that signs requests as serverName using keys,
// bounding every request by timeout.
func New(serverName string, keys *keystore.Keystore, timeout time.Duration, insecureSkipVerify bool) *Client {
	transport := &http.Transport{}
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in dev-only flag
	}
	return NewWithTransport(serverName, keys, timeout, transport)
}

// NewWithTransport is like New but lets the caller supply the
// underlying http.RoundTripper, so tests can redirect federation
// requests to a local httptest.Server instead of real TLS hosts.
func NewWithTransport(serverName string, keys *keystore.Keystore, timeout time.Duration, transport http.RoundTripper) *Client {
	return &Client{
		serverName: serverName,
		keys:       keys,
		http:       &http.Client{Timeout: timeout, Transport: transport},
	}
}

// signedRequest builds and signs a federation request per the X-Matrix
// scheme: an envelope of {method, uri, origin, destination, content} is
// canonicalised and signed, and the resulting signature is carried in
// the Authorization header rather than the body.
func (c *Client) signedRequest(ctx context.Context, method, destination, path string, body []byte) (*http.Response, error) {
	signingObj := map[string]any{
		"method":      method,
		"uri":         path,
		"origin":      c.serverName,
		"destination": destination,
	}
	if len(body) > 0 {
		var content any
		if err := json.Unmarshal(body, &content); err != nil {
			return nil, fmt.Errorf("federationclient: decode request body: %w", err)
		}
		signingObj["content"] = content
	}
	raw, err := json.Marshal(signingObj)
	if err != nil {
		return nil, fmt.Errorf("federationclient: marshal signing object: %w", err)
	}
	signed, err := c.keys.SignJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("federationclient: sign request: %w", err)
	}
	sig, err := extractSignature(signed, c.serverName, c.keys.OwnKeyID())
	if err != nil {
		return nil, err
	}

	url := "https://" + destination + path
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("federationclient: build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", xmatrix.Build(xmatrix.Credentials{
		Origin:      c.serverName,
		Destination: destination,
		KeyID:       c.keys.OwnKeyID(),
		Signature:   sig,
	}))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federationclient: %s %s: %w", method, url, err)
	}
	return resp, nil
}

func extractSignature(signedJSON []byte, serverName, keyID string) (string, error) {
	var envelope struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(signedJSON, &envelope); err != nil {
		return "", fmt.Errorf("federationclient: decode signed envelope: %w", err)
	}
	sig, ok := envelope.Signatures[serverName][keyID]
	if !ok {
		return "", fmt.Errorf("federationclient: no signature for %s/%s in signed envelope", serverName, keyID)
	}
	return sig, nil
}

// FetchServerKeys implements keystore.KeyFetcher via GET /_matrix/key/v2/server.
func (c *Client) FetchServerKeys(ctx context.Context, server string) (map[string]keystore.VerifyKey, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, server, "/_matrix/key/v2/server", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeServerKeyResponse(resp)
}

// NotaryQuery implements keystore.KeyFetcher via POST /_matrix/key/v2/query
// against notary, asking it to vouch for target's keys.
func (c *Client) NotaryQuery(ctx context.Context, notary, target string, keyIDs []string) (map[string]keystore.VerifyKey, error) {
	criteria := make(map[string]any, 1)
	want := make(map[string]any, len(keyIDs))
	for _, id := range keyIDs {
		want[id] = map[string]any{}
	}
	criteria[target] = want
	body, err := json.Marshal(map[string]any{"server_keys": criteria})
	if err != nil {
		return nil, fmt.Errorf("federationclient: marshal notary query: %w", err)
	}

	resp, err := c.signedRequest(ctx, http.MethodPost, notary, "/_matrix/key/v2/query", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("federationclient: decode notary response: %w", err)
	}
	keys := make(map[string]keystore.VerifyKey)
	for _, raw := range reply.ServerKeys {
		parsed, err := decodeKeyDocument(raw)
		if err != nil {
			logrus.WithError(err).Warn("federationclient: skipping malformed notary key entry")
			continue
		}
		for keyID, vk := range parsed {
			keys[keyID] = vk
		}
	}
	return keys, nil
}

func decodeServerKeyResponse(resp *http.Response) (map[string]keystore.VerifyKey, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federationclient: key/v2/server returned %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("federationclient: read key response: %w", err)
	}
	return decodeKeyDocument(raw)
}

func decodeKeyDocument(raw []byte) (map[string]keystore.VerifyKey, error) {
	var doc struct {
		ValidUntilTS int64 `json:"valid_until_ts"`
		VerifyKeys   map[string]struct {
			Key string `json:"key"`
		} `json:"verify_keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("federationclient: decode key document: %w", err)
	}
	keys := make(map[string]keystore.VerifyKey, len(doc.VerifyKeys))
	for keyID, v := range doc.VerifyKeys {
		pub, err := decodeBase64Tolerant(v.Key)
		if err != nil {
			return nil, fmt.Errorf("federationclient: decode verify key %s: %w", keyID, err)
		}
		keys[keyID] = keystore.VerifyKey{PublicKey: ed25519.PublicKey(pub), ValidUntilTS: doc.ValidUntilTS}
	}
	return keys, nil
}

// decodeBase64Tolerant decodes unpadded base64 (Matrix's usual form),
// falling back to padded standard base64 for peers that pad anyway.
func decodeBase64Tolerant(value string) ([]byte, error) {
	if raw, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

// FetchEvent implements eventinput.FederationFetcher via
// GET /_matrix/federation/v1/event/{eventID}, trying origin first and
// falling back to fallbackServers in order.
func (c *Client) FetchEvent(ctx context.Context, origin, roomID, eventID string, fallbackServers []string) ([]byte, error) {
	servers := append([]string{origin}, fallbackServers...)
	var lastErr error
	for _, server := range servers {
		raw, err := c.fetchEventFrom(ctx, server, eventID)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		logrus.WithError(err).WithFields(logrus.Fields{"server": server, "event_id": eventID}).
			Debug("federationclient: event fetch failed, trying next server")
	}
	return nil, fmt.Errorf("federationclient: fetch event %s from %d server(s): %w", eventID, len(servers), lastErr)
}

func (c *Client) fetchEventFrom(ctx context.Context, server, eventID string) ([]byte, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, server, "/_matrix/federation/v1/event/"+eventID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federationclient: event/%s returned %s", eventID, resp.Status)
	}
	var txn struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("federationclient: read event response: %w", err)
	}
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, fmt.Errorf("federationclient: decode event response: %w", err)
	}
	if len(txn.PDUs) == 0 {
		return nil, fmt.Errorf("federationclient: event/%s returned no pdus", eventID)
	}
	return txn.PDUs[0], nil
}

// Backfill implements eventinput.FederationFetcher's history-page side
// via GET /_matrix/federation/v1/backfill/{roomID}?v=...&limit=....
func (c *Client) Backfill(ctx context.Context, origin, roomID string, v []string, limit int) ([][]byte, error) {
	query := url.Values{}
	for _, eventID := range v {
		query.Add("v", eventID)
	}
	query.Set("limit", strconv.Itoa(limit))
	path := "/_matrix/federation/v1/backfill/" + roomID + "?" + query.Encode()

	resp, err := c.signedRequest(ctx, http.MethodGet, origin, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federationclient: backfill/%s returned %s", roomID, resp.Status)
	}
	var txn struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("federationclient: read backfill response: %w", err)
	}
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, fmt.Errorf("federationclient: decode backfill response: %w", err)
	}
	out := make([][]byte, len(txn.PDUs))
	for i, p := range txn.PDUs {
		out[i] = p
	}
	return out, nil
}

// SendTransaction implements sending.Transport via
// PUT /_matrix/federation/v1/send/{txnID}.
func (c *Client) SendTransaction(ctx context.Context, dest sending.Destination, txnID string, pdus, edus [][]byte) (time.Duration, error) {
	rawPDUs := make([]json.RawMessage, len(pdus))
	for i, p := range pdus {
		rawPDUs[i] = p
	}
	rawEDUs := make([]json.RawMessage, len(edus))
	for i, e := range edus {
		rawEDUs[i] = e
	}
	body, err := json.Marshal(map[string]any{
		"origin":           c.serverName,
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             rawPDUs,
		"edus":             rawEDUs,
	})
	if err != nil {
		return 0, fmt.Errorf("federationclient: marshal transaction: %w", err)
	}

	resp, err := c.signedRequest(ctx, http.MethodPut, dest.String(), "/_matrix/federation/v1/send/"+txnID, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return retryAfter(resp), statusError(resp, "send/"+txnID)
}

// SendPush implements sending.Transport's retry contract for push
// delivery. The wire format of the notification itself is out of
// scope (spec.md §1 Non-goals); payload is delivered as an opaque POST
// body to the URL carried in dest.Pushkey.
func (c *Client) SendPush(ctx context.Context, dest sending.Destination, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Pushkey, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("federationclient: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("federationclient: push to %s: %w", dest.User, err)
	}
	defer resp.Body.Close()
	return retryAfter(resp), statusError(resp, "push")
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func statusError(resp *http.Response, what string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("federationclient: %s returned %s", what, resp.Status)
}
