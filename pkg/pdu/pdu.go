// Package pdu defines the Persistent Data Unit data model: a signed,
// hashed JSON object that is the unit of the room DAG, plus the
// canonicalisation and reference-hash helpers the ingestion pipeline
// needs to derive and verify event IDs per room version.
package pdu

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PDU is the parsed semantic view of a Persistent Data Unit, per the
// data model: a signed, hashed JSON object with the fields below.
type PDU struct {
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Redacts        *string         `json:"redacts,omitempty"`
	Hashes         json.RawMessage `json:"hashes,omitempty"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`

	raw []byte
}

// IsStateEvent reports whether the presence of state_key classifies this
// event as a state event, per the data model.
func (p *PDU) IsStateEvent() bool { return p.StateKey != nil }

// RawJSON returns the exact bytes the PDU was parsed from.
func (p *PDU) RawJSON() []byte { return p.raw }

// Parse decodes raw PDU JSON into its semantic fields without verifying
// anything; canonicalisation and signature checks are separate pipeline
// stages.
func Parse(raw []byte) (*PDU, error) {
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pdu: parse: %w", err)
	}
	p.raw = raw
	return &p, nil
}

// eventIDDerivedFromHash reports whether event_id is derived from the
// content hash (room version >= 3) rather than transmitted as an opaque
// server-chosen string (room version 1/2).
func eventIDDerivedFromHash(roomVersion string) bool {
	switch roomVersion {
	case "1", "2":
		return false
	default:
		return true
	}
}

// CanonicalJSON re-serialises raw per Matrix's canonical JSON rules
// (sorted keys, no insignificant whitespace, shortest-form numbers),
// the byte form used whenever a hash or signature is computed.
func CanonicalJSON(raw []byte) ([]byte, error) {
	out, err := gomatrixserverlib.CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("pdu: canonical json: %w", err)
	}
	return out, nil
}

// stripForHash removes the fields that must not be covered by the
// content hash: signatures, unsigned, the event_id when stripEventID is
// set (later room versions), and hashes when stripHashes is set (the
// content hash lives under hashes.sha256 and is computed without hashes
// itself present; the reference hash keeps it).
func stripForHash(raw []byte, stripEventID, stripHashes bool) ([]byte, error) {
	out := raw
	var err error
	out, err = sjson.DeleteBytes(out, "signatures")
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "unsigned")
	if err != nil {
		return nil, err
	}
	if stripEventID {
		out, err = sjson.DeleteBytes(out, "event_id")
		if err != nil {
			return nil, err
		}
	}
	if stripHashes {
		out, err = sjson.DeleteBytes(out, "hashes")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ContentHash computes the event's content hash: sha256 over the
// canonical JSON form with signatures, unsigned, and hashes itself
// removed, base64-unpadded-standard encoded.
func ContentHash(raw []byte) (string, error) {
	stripped, err := stripForHash(raw, false, true)
	if err != nil {
		return "", fmt.Errorf("pdu: strip for content hash: %w", err)
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// ReferenceHash computes the event's reference hash: sha256 over the
// canonical JSON form with signatures, unsigned, and (for room versions
// that derive event_id from the hash) event_id removed. hashes is left
// in place, matching the Matrix reference-hash algorithm.
func ReferenceHash(raw []byte, roomVersion string) (string, error) {
	stripped, err := stripForHash(raw, eventIDDerivedFromHash(roomVersion), false)
	if err != nil {
		return "", fmt.Errorf("pdu: strip for reference hash: %w", err)
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// DeriveEventID computes the event_id that canonicalisation (pipeline
// stage 2) should confirm against the transmitted value for room
// versions that derive it from the hash ("$" + unpadded base64 reference
// hash). For room versions 1/2, the event_id is not derived; the
// transmitted value is authoritative and this returns it unchanged.
func DeriveEventID(raw []byte, roomVersion string) (string, error) {
	if !eventIDDerivedFromHash(roomVersion) {
		v := gjson.GetBytes(raw, "event_id")
		if !v.Exists() {
			return "", fmt.Errorf("pdu: room version %s requires a transmitted event_id", roomVersion)
		}
		return v.String(), nil
	}
	hash, err := ReferenceHash(raw, roomVersion)
	if err != nil {
		return "", err
	}
	return "$" + hash, nil
}

// StripEventID removes a stored event_id field from the canonical form,
// per pipeline stage 2: "for room versions >= 3, strip any event_id
// field (it is derived, not transmitted)."
func StripEventID(raw []byte) ([]byte, error) {
	out, err := sjson.DeleteBytes(raw, "event_id")
	if err != nil {
		return nil, fmt.Errorf("pdu: strip event_id: %w", err)
	}
	return out, nil
}

// RedactedFields lists the top-level (and, for a few event types,
// nested content) keys a redaction must preserve, per room-version
// redaction rules. This is intentionally conservative: unknown event
// types retain only the universal keys.
func RedactedFields(roomVersion, eventType string) []string {
	universal := []string{"event_id", "type", "room_id", "sender", "state_key", "content", "hashes", "signatures", "depth", "prev_events", "auth_events", "origin_server_ts"}
	version, _ := strconv.Atoi(roomVersion)
	var contentKeys []string
	switch eventType {
	case "m.room.member":
		contentKeys = []string{"membership"}
		if version >= 9 {
			contentKeys = append(contentKeys, "join_authorised_via_users_server")
		}
	case "m.room.create":
		contentKeys = []string{"creator"}
		if version >= 11 {
			contentKeys = nil // m.room.create retains the whole content from v11
		}
	case "m.room.join_rules":
		contentKeys = []string{"join_rule"}
		if version >= 8 {
			contentKeys = append(contentKeys, "allow")
		}
	case "m.room.power_levels":
		contentKeys = []string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"}
		if version >= 10 {
			contentKeys = append(contentKeys, "invite")
		}
	case "m.room.history_visibility":
		contentKeys = []string{"history_visibility"}
	case "m.room.redaction":
		if version >= 11 {
			contentKeys = []string{"redacts"}
		}
	}
	return append(universal, contentKeys...)
}

// Redact rewrites raw's content to retain only the fields
// RedactedFields names for its event type, per room-version redaction
// rules, and stamps unsigned.redacted_because with redactionEventID.
// event_id, hashes, and signatures are left untouched: redaction never
// changes an event's identity.
func Redact(raw []byte, roomVersion, redactionEventID string) ([]byte, error) {
	eventType := gjson.GetBytes(raw, "type").String()
	keep := RedactedFields(roomVersion, eventType)
	version, _ := strconv.Atoi(roomVersion)
	keepAllContent := eventType == "m.room.create" && version >= 11

	contentRaw := gjson.GetBytes(raw, "content")
	keptContent := map[string]json.RawMessage{}
	contentKeepSet := map[string]bool{}
	for _, k := range keep {
		contentKeepSet[k] = true
	}
	if contentRaw.Exists() {
		contentRaw.ForEach(func(key, value gjson.Result) bool {
			if keepAllContent || contentKeepSet[key.String()] {
				keptContent[key.String()] = json.RawMessage(value.Raw)
			}
			return true
		})
	}
	contentBytes, err := json.Marshal(keptContent)
	if err != nil {
		return nil, fmt.Errorf("pdu: marshal redacted content: %w", err)
	}

	out, err := sjson.SetRawBytes(raw, "content", contentBytes)
	if err != nil {
		return nil, fmt.Errorf("pdu: set redacted content: %w", err)
	}
	out, err = sjson.SetBytes(out, "unsigned.redacted_because", redactionEventID)
	if err != nil {
		return nil, fmt.Errorf("pdu: stamp redacted_because: %w", err)
	}
	out, err = sjson.SetBytes(out, "unsigned.redacted", true)
	if err != nil {
		return nil, fmt.Errorf("pdu: stamp redacted flag: %w", err)
	}
	return out, nil
}

// StateMapKey identifies a slot in a room's resolved state.
type StateMapKey struct {
	Type     string
	StateKey string
}

// StateMap is the resolved mapping (type, state_key) -> event_id.
type StateMap map[StateMapKey]string

// SortedStateMapKeys returns m's keys in a deterministic order, useful
// for cache keys and tests.
func SortedStateMapKeys(m StateMap) []StateMapKey {
	keys := make([]StateMapKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})
	return keys
}

// ParsePowerLevel extracts an integer power level from raw JSON number
// content, defaulting when the field is absent.
func ParsePowerLevel(raw json.RawMessage, field string, def int64) int64 {
	v := gjson.GetBytes(raw, field)
	if !v.Exists() {
		return def
	}
	if v.Type == gjson.Number {
		return int64(v.Num)
	}
	n, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		return def
	}
	return n
}
