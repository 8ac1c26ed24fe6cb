// Package roomversion records which room version applies to each known
// room, the lookup internal/eventinput needs before it can canonicalise
// or derive the event ID of an incoming PDU. A room's version is fixed
// by its m.room.create event and never changes afterwards.
package roomversion

import (
	"fmt"

	"github.com/arborhs/homeserver/internal/kvstore"
)

// Store is a kv-backed roomID -> room version map.
type Store struct {
	kv *kvstore.Store
}

// New constructs a Store over kv.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Set records roomID's version, normally called once when its
// m.room.create event is first accepted (locally created or learned by
// joining via federation).
func (s *Store) Set(roomID, version string) error {
	if version == "" {
		version = "1"
	}
	return s.kv.Put("room_version", []byte(roomID), []byte(version))
}

// RoomVersion returns roomID's recorded version, satisfying
// eventinput.RoomVersionLookup.
func (s *Store) RoomVersion(roomID string) (string, error) {
	raw, err := s.kv.Get("room_version", []byte(roomID))
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("roomversion: unknown room %s", roomID)
	}
	return string(raw), nil
}
