// Package outlier implements component C, the Outlier Store: PDUs known
// to exist and verified but not yet placed in the timeline.
package outlier

import (
	"github.com/arborhs/homeserver/internal/hserr"
	"github.com/arborhs/homeserver/internal/kvstore"
)

// Store is a KV-backed map of event_id -> canonical JSON for verified
// events awaiting timeline promotion. Insertion is idempotent: if the
// event_id is already present, Put is a no-op that still returns success.
type Store struct {
	kv *kvstore.Store
}

// New constructs an outlier Store over kv.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Put records canonicalJSON under eventID, idempotently. Per the
// outlier lifecycle, an outlier is never deleted by this store;
// promotion to the timeline happens elsewhere and the outlier row is
// left in place (re-fetches of an already-known event are cheap).
func (s *Store) Put(eventID string, canonicalJSON []byte) error {
	existing, err := s.kv.Get("eventid_outlierpdu", []byte(eventID))
	if err != nil {
		return hserr.Database(err, "outlier lookup before insert")
	}
	if existing != nil {
		return nil
	}
	if err := s.kv.Put("eventid_outlierpdu", []byte(eventID), canonicalJSON); err != nil {
		return hserr.Database(err, "outlier insert")
	}
	return nil
}

// Get returns the canonical JSON stored for eventID, or (nil, false) if
// it is not known as an outlier.
func (s *Store) Get(eventID string) ([]byte, bool, error) {
	raw, err := s.kv.Get("eventid_outlierpdu", []byte(eventID))
	if err != nil {
		return nil, false, hserr.Database(err, "outlier lookup")
	}
	return raw, raw != nil, nil
}

// Has reports whether eventID is known as an outlier, without copying
// its JSON.
func (s *Store) Has(eventID string) (bool, error) {
	ok, err := s.kv.Has("eventid_outlierpdu", []byte(eventID))
	if err != nil {
		return false, hserr.Database(err, "outlier existence check")
	}
	return ok, nil
}
