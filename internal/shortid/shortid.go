// Package shortid implements the bijective mapping between long-form
// Matrix identifiers (event IDs, room IDs, and (type, state_key) tuples)
// and the compact 64-bit surrogates used everywhere internally: component
// A, the Short-ID Interner.
package shortid

import (
	"fmt"
	"sync"

	"github.com/arborhs/homeserver/internal/kvstore"
)

// ShortEventID is a non-zero 64-bit surrogate for an event ID.
type ShortEventID uint64

// ShortRoomID is a non-zero 64-bit surrogate for a room ID.
type ShortRoomID uint64

// ShortStateKey is a non-zero 64-bit surrogate for a (type, state_key) pair.
type ShortStateKey uint64

const (
	counterEvent    = "shorteventid"
	counterRoom     = "shortroomid"
	counterStateKey = "shortstatekey"
)

// Interner allocates and caches short IDs atop the KV store. Its
// intern_* operations are idempotent: concurrent callers with the same
// input observe the same returned ID, and once issued an ID is never
// reused even if the long-form value it names is later forgotten.
type Interner struct {
	kv *kvstore.Store

	mu           sync.Mutex
	eventCache   map[string]ShortEventID
	roomCache    map[string]ShortRoomID
	stateKeyCache map[string]ShortStateKey
}

// New constructs an Interner over kv.
func New(kv *kvstore.Store) *Interner {
	return &Interner{
		kv:            kv,
		eventCache:    make(map[string]ShortEventID),
		roomCache:     make(map[string]ShortRoomID),
		stateKeyCache: make(map[string]ShortStateKey),
	}
}

// InternEventID returns the short ID for eventID, allocating one on first
// sight. Safe for concurrent use; concurrent callers for the same
// eventID converge on one allocation because the lock is held across the
// read-allocate-write sequence.
func (in *Interner) InternEventID(eventID string) (ShortEventID, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if v, ok := in.eventCache[eventID]; ok {
		return v, nil
	}

	key := []byte(eventID)
	if raw, err := in.kv.Get("eventid_shorteventid", key); err != nil {
		return 0, fmt.Errorf("shortid: lookup event: %w", err)
	} else if raw != nil {
		v, err := kvstore.ParseU64(raw)
		if err != nil {
			return 0, err
		}
		short := ShortEventID(v)
		in.eventCache[eventID] = short
		return short, nil
	}

	next, err := in.kv.NextCounter(counterEvent)
	if err != nil {
		return 0, fmt.Errorf("shortid: allocate event counter: %w", err)
	}
	short := ShortEventID(next)
	if err := in.persistEvent(eventID, short); err != nil {
		return 0, err
	}
	in.eventCache[eventID] = short
	return short, nil
}

func (in *Interner) persistEvent(eventID string, short ShortEventID) error {
	val := kvstore.U64(uint64(short))
	if err := in.kv.Put("eventid_shorteventid", []byte(eventID), val); err != nil {
		return fmt.Errorf("shortid: persist event forward: %w", err)
	}
	if err := in.kv.Put("shorteventid_eventid", val, []byte(eventID)); err != nil {
		return fmt.Errorf("shortid: persist event reverse: %w", err)
	}
	return nil
}

// EventIDForShort reverse-looks-up a short event ID.
func (in *Interner) EventIDForShort(short ShortEventID) (string, bool, error) {
	raw, err := in.kv.Get("shorteventid_eventid", kvstore.U64(uint64(short)))
	if err != nil {
		return "", false, err
	}
	if raw == nil {
		return "", false, nil
	}
	return string(raw), true, nil
}

// InternRoomID returns the short ID for roomID, allocating one on first
// sight.
func (in *Interner) InternRoomID(roomID string) (ShortRoomID, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if v, ok := in.roomCache[roomID]; ok {
		return v, nil
	}

	key := []byte(roomID)
	if raw, err := in.kv.Get("roomid_shortroomid", key); err != nil {
		return 0, fmt.Errorf("shortid: lookup room: %w", err)
	} else if raw != nil {
		v, err := kvstore.ParseU64(raw)
		if err != nil {
			return 0, err
		}
		short := ShortRoomID(v)
		in.roomCache[roomID] = short
		return short, nil
	}

	next, err := in.kv.NextCounter(counterRoom)
	if err != nil {
		return 0, fmt.Errorf("shortid: allocate room counter: %w", err)
	}
	short := ShortRoomID(next)
	val := kvstore.U64(uint64(short))
	if err := in.kv.Put("roomid_shortroomid", key, val); err != nil {
		return 0, fmt.Errorf("shortid: persist room forward: %w", err)
	}
	if err := in.kv.Put("shortroomid_roomid", val, key); err != nil {
		return 0, fmt.Errorf("shortid: persist room reverse: %w", err)
	}
	in.roomCache[roomID] = short
	return short, nil
}

// RoomIDForShort reverse-looks-up a short room ID.
func (in *Interner) RoomIDForShort(short ShortRoomID) (string, bool, error) {
	raw, err := in.kv.Get("shortroomid_roomid", kvstore.U64(uint64(short)))
	if err != nil {
		return "", false, err
	}
	if raw == nil {
		return "", false, nil
	}
	return string(raw), true, nil
}

// InternStateKey returns the short ID for the (eventType, stateKey) pair,
// allocating one on first sight.
func (in *Interner) InternStateKey(eventType, stateKey string) (ShortStateKey, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	composite := eventType + "\xFF" + stateKey
	if v, ok := in.stateKeyCache[composite]; ok {
		return v, nil
	}

	key := kvstore.JoinKey([]byte(eventType), []byte(stateKey))
	if raw, err := in.kv.Get("statekey_shortstatekey", key); err != nil {
		return 0, fmt.Errorf("shortid: lookup state key: %w", err)
	} else if raw != nil {
		v, err := kvstore.ParseU64(raw)
		if err != nil {
			return 0, err
		}
		short := ShortStateKey(v)
		in.stateKeyCache[composite] = short
		return short, nil
	}

	next, err := in.kv.NextCounter(counterStateKey)
	if err != nil {
		return 0, fmt.Errorf("shortid: allocate state key counter: %w", err)
	}
	short := ShortStateKey(next)
	val := kvstore.U64(uint64(short))
	if err := in.kv.Put("statekey_shortstatekey", key, val); err != nil {
		return 0, fmt.Errorf("shortid: persist state key forward: %w", err)
	}
	if err := in.kv.Put("shortstatekey_statekey", val, key); err != nil {
		return 0, fmt.Errorf("shortid: persist state key reverse: %w", err)
	}
	in.stateKeyCache[composite] = short
	return short, nil
}

// StateKeyForShort reverse-looks-up a (type, state_key) pair.
func (in *Interner) StateKeyForShort(short ShortStateKey) (eventType, stateKey string, ok bool, err error) {
	raw, err := in.kv.Get("shortstatekey_statekey", kvstore.U64(uint64(short)))
	if err != nil || raw == nil {
		return "", "", false, err
	}
	parts := splitOnce(raw, 0xFF)
	if len(parts) != 2 {
		return "", "", false, fmt.Errorf("shortid: malformed state key record")
	}
	return string(parts[0]), string(parts[1]), true, nil
}

func splitOnce(b []byte, sep byte) [][]byte {
	for i, c := range b {
		if c == sep {
			return [][]byte{b[:i], b[i+1:]}
		}
	}
	return [][]byte{b}
}
