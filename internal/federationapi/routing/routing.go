// Package routing implements the federation endpoints this server
// *produces*. Handlers are kept thin: parse and verify the request,
// call into the core (keystore/eventinput/timeline), and serialise the
// result, per SPEC_FULL.md §6's framing of the wire surface as an
// external collaborator.
//
// Only four of the produced endpoints named in spec.md §6 are
// implemented: key/v2/server, key/v2/query, send/{txnId} and
// event/{eventId}. /state/, /event_auth/, /get_missing_events/, the
// /make_{join,leave,knock} family and their send_* counterparts are
// not implemented; see DESIGN.md for the scope decision.
package routing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/arborhs/homeserver/internal/eventinput"
	"github.com/arborhs/homeserver/internal/hserr"
	"github.com/arborhs/homeserver/internal/keystore"
	"github.com/arborhs/homeserver/internal/xmatrix"
	"github.com/arborhs/homeserver/pkg/pdu"
)

// EventCommitter is the subset of *eventinput.Handler the router drives.
type EventCommitter interface {
	HandleIncomingPDU(ctx context.Context, origin, roomID, eventID string, rawJSON []byte, isTimelineEvent bool) (string, bool, error)
}

// Limiter throttles a request given the origin server it claims to be
// from, e.g. *internal/ratelimit.Limiter.
type Limiter interface {
	Allow(origin string) error
}

// EventStore is the subset of *timeline.Timeline the router reads from.
type EventStore interface {
	GetEventJSON(eventID string) ([]byte, bool, error)
}

// Keys is the subset of *keystore.Keystore the router needs: publishing
// its own verify key, signing outgoing key documents, and resolving a
// remote server's key to verify an inbound request's signature.
type Keys interface {
	ServerName() string
	OwnKeyID() string
	OwnPublicKey() ed25519.PublicKey
	SignJSON(raw []byte) ([]byte, error)
	GetVerifyKey(ctx context.Context, server, keyID string, eventTS int64) (keystore.VerifyKey, error)
	OldVerifyKeys() ([]keystore.OldVerifyKey, error)
}

// NewRouter registers the in-scope produced endpoints onto r, rooted at
// /_matrix. keyValidity bounds how far in the future this server's own
// published key/v2/server response claims validity, mirroring
// internal/config.Global.KeyValidityPeriod.
func NewRouter(r *mux.Router, keys Keys, keyValidity time.Duration, committer EventCommitter, rooms eventinput.RoomVersionLookup, events EventStore, limiter Limiter) {
	r.HandleFunc("/_matrix/key/v2/server", keyServerHandler(keys, keyValidity)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/key/v2/server/{keyID}", keyServerHandler(keys, keyValidity)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/key/v2/query", keyQueryHandler(keys)).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/federation/v1/send/{txnID}", sendTransactionHandler(keys, committer, rooms, limiter)).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/federation/v1/event/{eventID}", eventHandler(keys, events)).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, resp util.JSONResponse) {
	body, err := json.Marshal(resp.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_, _ = w.Write(body)
}

func errorResponse(err error) util.JSONResponse {
	var herr *hserr.Error
	if hserr.As(err, &herr) {
		return util.JSONResponse{Code: hserr.HTTPStatus(herr), JSON: hserr.ToJSON(herr)}
	}
	return util.JSONResponse{Code: http.StatusInternalServerError, JSON: hserr.JSON{ErrCode: "M_UNKNOWN", Error: err.Error()}}
}

// keyServerHandler serves this server's own self-signed verify key, per
// spec.md §6's "GET /_matrix/key/v2/server (origin's keys, self-signed)".
func keyServerHandler(keys Keys, validity time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		oldKeys, err := keys.OldVerifyKeys()
		if err != nil {
			writeJSON(w, errorResponse(err))
			return
		}
		oldVerifyKeys := make(map[string]any, len(oldKeys))
		for _, ok := range oldKeys {
			oldVerifyKeys[ok.KeyID] = map[string]any{
				"key":        base64.RawStdEncoding.EncodeToString(ok.PublicKey),
				"expired_ts": ok.ExpiredTS,
			}
		}
		doc := map[string]any{
			"server_name": keys.ServerName(),
			"verify_keys": map[string]any{
				keys.OwnKeyID(): map[string]string{"key": base64.RawStdEncoding.EncodeToString(keys.OwnPublicKey())},
			},
			"old_verify_keys": oldVerifyKeys,
			"valid_until_ts":  time.Now().Add(validity).UnixMilli(),
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			writeJSON(w, errorResponse(fmt.Errorf("routing: marshal key document: %w", err)))
			return
		}
		signed, err := keys.SignJSON(raw)
		if err != nil {
			writeJSON(w, errorResponse(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(signed)
	}
}

// keyQueryHandler serves this server's batched notary role: for each
// requested (server, key ID), it resolves a verify key via the normal
// GetVerifyKey path (direct fetch or onward notary, per §4.4) and
// re-publishes a document signed with this server's own key.
//
// This is a simplification of full notary semantics: GetVerifyKey
// returns only the resolved key and its validity, not the subject
// server's original self-signed document, so the response carries only
// this server's vouching signature, not a forwarded copy of the
// subject's own signature.
func keyQueryHandler(keys Keys) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ServerKeys map[string]map[string]struct {
				MinimumValidUntilTS int64 `json:"minimum_valid_until_ts"`
			} `json:"server_keys"`
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: hserr.ToJSON(hserr.BadJSON("read request body"))})
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: hserr.ToJSON(hserr.BadJSON("decode key query: %v", err))})
			return
		}

		now := time.Now().UnixMilli()
		docs := make([]json.RawMessage, 0, len(req.ServerKeys))
		for server, wanted := range req.ServerKeys {
			verifyKeys := make(map[string]any, len(wanted))
			var latestValidity int64
			for keyID := range wanted {
				vk, err := keys.GetVerifyKey(r.Context(), server, keyID, now)
				if err != nil {
					continue
				}
				verifyKeys[keyID] = map[string]string{"key": base64.RawStdEncoding.EncodeToString(vk.PublicKey)}
				if vk.ValidUntilTS > latestValidity {
					latestValidity = vk.ValidUntilTS
				}
			}
			if len(verifyKeys) == 0 {
				continue
			}
			raw, err := json.Marshal(map[string]any{
				"server_name":    server,
				"verify_keys":    verifyKeys,
				"valid_until_ts": latestValidity,
			})
			if err != nil {
				continue
			}
			signed, err := keys.SignJSON(raw)
			if err != nil {
				continue
			}
			docs = append(docs, signed)
		}

		writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]any{"server_keys": docs}})
	}
}

// sendTransactionHandler implements PUT /_matrix/federation/v1/send/{txnId}:
// each PDU in the transaction is routed individually through
// EventCommitter, and per-event failures are reported in the response
// without failing the whole transaction, matching the transaction's
// best-effort delivery semantics.
func sendTransactionHandler(keys Keys, committer EventCommitter, rooms eventinput.RoomVersionLookup, limiter Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txnID := mux.Vars(r)["txnID"]
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: hserr.ToJSON(hserr.BadJSON("read transaction body"))})
			return
		}
		creds, err := verifyXMatrixRequest(r.Context(), keys, r, body)
		if err != nil {
			writeJSON(w, errorResponse(err))
			return
		}
		if err := limiter.Allow(creds.Origin); err != nil {
			writeJSON(w, errorResponse(err))
			return
		}

		var txn struct {
			PDUs []json.RawMessage `json:"pdus"`
			EDUs []json.RawMessage `json:"edus"`
		}
		if err := json.Unmarshal(body, &txn); err != nil {
			writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: hserr.ToJSON(hserr.BadJSON("decode transaction %s: %v", txnID, err))})
			return
		}

		results := make(map[string]any, len(txn.PDUs))
		for _, raw := range txn.PDUs {
			event, err := pdu.Parse(raw)
			if err != nil {
				continue
			}
			eventID := event.EventID
			if eventID == "" {
				roomVersion, err := rooms.RoomVersion(event.RoomID)
				if err != nil {
					continue
				}
				eventID, err = pdu.DeriveEventID(raw, roomVersion)
				if err != nil {
					continue
				}
			}
			_, _, err = committer.HandleIncomingPDU(r.Context(), creds.Origin, event.RoomID, eventID, raw, true)
			if err != nil {
				results[eventID] = map[string]string{"error": err.Error()}
			} else {
				results[eventID] = map[string]any{}
			}
		}
		// EDUs (typing, presence, receipts, ...) are out of scope per
		// spec.md's Non-goals; acknowledged but not processed.
		_ = txn.EDUs

		writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]any{"pdus": results}})
	}
}

// eventHandler implements GET /_matrix/federation/v1/event/{eventId}.
func eventHandler(keys Keys, events EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["eventID"]
		if _, err := verifyXMatrixRequest(r.Context(), keys, r, nil); err != nil {
			writeJSON(w, errorResponse(err))
			return
		}
		raw, ok, err := events.GetEventJSON(eventID)
		if err != nil {
			writeJSON(w, errorResponse(hserr.Database(err, "load event %s", eventID)))
			return
		}
		if !ok {
			writeJSON(w, util.JSONResponse{Code: http.StatusNotFound, JSON: hserr.ToJSON(hserr.NotFound("event %s not found", eventID))})
			return
		}
		body, err := json.Marshal(map[string]any{
			"origin":           keys.ServerName(),
			"origin_server_ts": time.Now().UnixMilli(),
			"pdus":             []json.RawMessage{raw},
		})
		if err != nil {
			writeJSON(w, errorResponse(fmt.Errorf("routing: marshal event response: %w", err)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// verifyXMatrixRequest parses the inbound X-Matrix Authorization header
// and verifies its signature against the claimed origin's key, per the
// federation request-signing envelope of {method, uri, origin,
// destination, content}. The mirror image of federationclient's
// signedRequest.
func verifyXMatrixRequest(ctx context.Context, keys Keys, r *http.Request, body []byte) (xmatrix.Credentials, error) {
	creds, err := xmatrix.Parse(r.Header.Get("Authorization"))
	if err != nil {
		return xmatrix.Credentials{}, hserr.Forbidden("missing or malformed X-Matrix authorization: %v", err)
	}
	if creds.Destination != "" && creds.Destination != keys.ServerName() {
		return xmatrix.Credentials{}, hserr.Forbidden("request addressed to %s, not this server", creds.Destination)
	}

	signingObj := map[string]any{
		"method": r.Method,
		"uri":    r.URL.RequestURI(),
		"origin": creds.Origin,
	}
	if creds.Destination != "" {
		signingObj["destination"] = creds.Destination
	}
	if len(body) > 0 {
		var content any
		if err := json.Unmarshal(body, &content); err != nil {
			return xmatrix.Credentials{}, hserr.BadJSON("decode request body: %v", err)
		}
		signingObj["content"] = content
	}
	raw, err := json.Marshal(signingObj)
	if err != nil {
		return xmatrix.Credentials{}, fmt.Errorf("routing: marshal signing object: %w", err)
	}
	canon, err := pdu.CanonicalJSON(raw)
	if err != nil {
		return xmatrix.Credentials{}, fmt.Errorf("routing: canonicalise signing object: %w", err)
	}
	sig, err := decodeBase64Tolerant(creds.Signature)
	if err != nil {
		return xmatrix.Credentials{}, hserr.Signatures(creds.Origin, "malformed signature encoding")
	}
	vk, err := keys.GetVerifyKey(ctx, creds.Origin, creds.KeyID, time.Now().UnixMilli())
	if err != nil {
		return xmatrix.Credentials{}, hserr.Signatures(creds.Origin, "fetch verify key: %v", err)
	}
	if !ed25519.Verify(vk.PublicKey, canon, sig) {
		return xmatrix.Credentials{}, hserr.Signatures(creds.Origin, "request signature verification failed")
	}
	return creds, nil
}

func decodeBase64Tolerant(value string) ([]byte, error) {
	if raw, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
