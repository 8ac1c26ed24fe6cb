// Package kvstore implements the ordered key-value substrate the rest of
// this repository is built on: one bbolt bucket per named map from the
// persisted-layout table, with prefix iteration, atomic batches, and
// snapshot reads, matching the three guarantees the spec assumes of the
// storage engine.
package kvstore

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// Buckets lists every column family used by the core. Opening a Store
// creates any that do not yet exist; nothing ever drops one.
var Buckets = []string{
	"eventid_shorteventid",
	"shorteventid_eventid",
	"statekey_shortstatekey",
	"shortstatekey_statekey",
	"roomid_shortroomid",
	"shortroomid_roomid",
	"pduid_pdu",
	"eventid_outlierpdu",
	"shorteventid_shortstatehash",
	"roomid_shortstatehash",
	"shortstatehash_statediff",
	"shorteventid_authchain",
	"tokenids",
	"tofrom_relation",
	"referencedevents",
	"softfailedeventids",
	"sending_queue",
	"server_signingkeys",
	"global",
	"threadid_userids",
	"room_extremities",
	"room_pducounts",
	"eventid_pduid",
	"sender_type_pduid",
	"room_inflight",
	"global_old_keys",
	"room_version",
}

// Store wraps a bbolt database as the repository's ordered KV engine.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every bucket in Buckets exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range Buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a single key. A missing key returns (nil, nil).
func (s *Store) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Put writes a single key inside its own atomic batch.
func (s *Store) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		return b.Put(key, value)
	})
}

// Delete removes a single key.
func (s *Store) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		return b.Delete(key)
	})
}

// Has reports whether a key exists without copying its value.
func (s *Store) Has(bucket string, key []byte) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		ok = b.Get(key) != nil
		return nil
	})
	return ok, err
}

// PrefixIter walks all keys with the given prefix in ascending order,
// stopping early if fn returns an error or ErrStopIteration.
func (s *Store) PrefixIter(bucket string, prefix []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				if err == ErrStopIteration {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

// PrefixIterReverse walks all keys with the given prefix in descending
// order, used for reverse-chronological timeline iteration.
func (s *Store) PrefixIterReverse(bucket string, prefix []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		c := b.Cursor()
		upper := append(append([]byte(nil), prefix...), 0xFF)
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && hasPrefix(k, prefix); k, v = c.Prev() {
			if err := fn(k, v); err != nil {
				if err == ErrStopIteration {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

// ErrStopIteration is a sentinel a PrefixIter callback can return to stop
// walking without propagating an error.
var ErrStopIteration = fmt.Errorf("kvstore: stop iteration")

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Batch runs fn inside a single atomic read-write transaction, giving
// callers direct bucket access when a multi-key write must be atomic.
func (s *Store) Batch(fn func(tx *bbolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a snapshot-consistent read-only transaction.
func (s *Store) View(fn func(tx *bbolt.Tx) error) error {
	return s.db.View(fn)
}

// NextCounter atomically increments and returns the named monotonic
// counter stored in the "global" bucket (e.g. the sync-token source, or
// a per-room PduCount space). Counters start at 1; 0 is reserved to mean
// "never allocated."
func (s *Store) NextCounter(name string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("global"))
		key := []byte("counter\xFF" + name)
		cur := uint64(0)
		if v := b.Get(key); v != nil {
			cur = binary.BigEndian.Uint64(v)
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(key, buf)
	})
	return next, err
}

// PeekCounter reads the current value of a named counter without
// incrementing it.
func (s *Store) PeekCounter(name string) (uint64, error) {
	v, err := s.Get("global", []byte("counter\xFF"+name))
	if err != nil || v == nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// U64 encodes a uint64 as big-endian bytes, the canonical key/value
// encoding used throughout the persisted layout.
func U64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// ParseU64 decodes a big-endian uint64, as produced by U64.
func ParseU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kvstore: expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Sep is the field separator used by composite keys throughout the
// persisted layout (byte strings joined by 0xFF).
const Sep = 0xFF

// JoinKey concatenates key parts with the 0xFF field separator.
func JoinKey(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	out := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			out = append(out, Sep)
		}
		out = append(out, p...)
	}
	return out
}
